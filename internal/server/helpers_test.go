package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marque/internal/auth"
	"github.com/MarcoPoloResearchLab/marque/internal/bookmarks"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSubject = "user-123"

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, _ string) (auth.GoogleClaims, error) {
	return auth.GoogleClaims{Subject: testSubject, Email: "user@example.com", DisplayName: "Example User"}, nil
}

type stubUserResolver struct{}

func (stubUserResolver) ResolveCanonicalUserID(claims auth.GoogleClaims) (string, error) {
	return claims.Subject, nil
}

func newTestBookmarkService(t *testing.T) *bookmarks.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&bookmarks.Bookmark{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database:   db,
		IDProvider: bookmarks.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create bookmark service: %v", err)
	}
	return service
}

func newTestTokenIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "marque-auth",
		Audience:      "marque-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	return issuer
}

type testEnv struct {
	handler    http.Handler
	issuer     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
	bookmarks  *bookmarks.Service
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	issuer := newTestTokenIssuer(t)
	dispatcher := NewRealtimeDispatcher()
	service := newTestBookmarkService(t)
	handler, err := NewHTTPHandler(Dependencies{
		GoogleVerifier:  stubVerifier{},
		TokenManager:    issuer,
		Users:           stubUserResolver{},
		BookmarkService: service,
		Realtime:        dispatcher,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testEnv{handler: handler, issuer: issuer, dispatcher: dispatcher, bookmarks: service}
}

func issueTestToken(t *testing.T, issuer *auth.TokenIssuer) string {
	t.Helper()
	token, _, err := issuer.IssueBackendToken(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("failed to issue backend token: %v", err)
	}
	return token
}

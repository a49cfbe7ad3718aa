package integration_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marque/internal/auth"
	"github.com/MarcoPoloResearchLab/marque/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/marque/internal/client"
	"github.com/MarcoPoloResearchLab/marque/internal/server"
	"github.com/MarcoPoloResearchLab/marque/internal/sync"
	"github.com/MarcoPoloResearchLab/marque/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	googleClientID   = "marque-integration-client"
	googleSubject    = "google-user-1"
	signingSecret    = "integration-signing-secret"
	integrationKeyID = "integration-key"
)

func newJWKSServer(t *testing.T, publicKey *rsa.PublicKey) *httptest.Server {
	t.Helper()
	document := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": integrationKeyID,
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(publicKey.E)).Bytes()),
		}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(document)
	}))
	t.Cleanup(server.Close)
	return server
}

func signGoogleIDToken(t *testing.T, privateKey *rsa.PrivateKey) string {
	t.Helper()
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"aud":   googleClientID,
		"iss":   "https://accounts.google.com",
		"sub":   googleSubject,
		"email": "user@example.com",
		"name":  "Integration User",
		"exp":   now.Add(5 * time.Minute).Unix(),
		"iat":   now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = integrationKeyID
	signed, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("failed to sign google id token: %v", err)
	}
	return signed
}

func newAPIServer(t *testing.T, jwksURL string) *httptest.Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&bookmarks.Bookmark{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	bookmarkService, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database:   db,
		IDProvider: bookmarks.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build bookmark service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "marque-auth",
		Audience:      "marque-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience: googleClientID,
		JWKSURL:  jwksURL,
	})
	if err != nil {
		t.Fatalf("failed to build google verifier: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier:  verifier,
		TokenManager:    tokenIssuer,
		Users:           userService,
		BookmarkService: bookmarkService,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build http handler: %v", err)
	}

	apiServer := httptest.NewServer(handler)
	t.Cleanup(apiServer.Close)
	return apiServer
}

type snapshotRecorder struct {
	mu        gosync.Mutex
	snapshots [][]sync.Bookmark
}

func (r *snapshotRecorder) record(items []sync.Bookmark) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, items)
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *snapshotRecorder) latest() []sync.Bookmark {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !condition() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", description)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestAuthAndSyncFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	jwksServer := newJWKSServer(t, &privateKey.PublicKey)
	apiServer := newAPIServer(t, jwksServer.URL)
	idToken := signGoogleIDToken(t, privateKey)

	provider, err := client.NewProvider(client.ProviderConfig{
		BaseURL: apiServer.URL,
		IDTokenSource: func(context.Context) (string, error) {
			return idToken, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}
	store, err := client.NewStore(client.StoreConfig{BaseURL: apiServer.URL, Tokens: provider})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	feed, err := client.NewFeed(client.FeedConfig{BaseURL: apiServer.URL, Tokens: provider})
	if err != nil {
		t.Fatalf("failed to build feed: %v", err)
	}

	recorder := &snapshotRecorder{}
	sessions, err := sync.NewSessionController(sync.SessionControllerConfig{Provider: provider})
	if err != nil {
		t.Fatalf("failed to build session controller: %v", err)
	}
	collection, err := sync.NewCollectionSynchronizer(sync.CollectionSynchronizerConfig{
		Store:    store,
		OnUpdate: recorder.record,
	})
	if err != nil {
		t.Fatalf("failed to build synchronizer: %v", err)
	}
	bridge, err := sync.NewChangeNotificationBridge(sync.ChangeNotificationBridgeConfig{Feed: feed})
	if err != nil {
		t.Fatalf("failed to build bridge: %v", err)
	}
	manager, err := sync.NewManager(sync.ManagerConfig{
		Sessions:   sessions,
		Collection: collection,
		Bridge:     bridge,
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sessions.Run(ctx) }()
	go func() { _ = manager.Run(ctx) }()

	// Login resolves a canonical identity and triggers the initial fetch.
	if err := sessions.SignIn(ctx); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	waitFor(t, "authenticated session", func() bool {
		current := sessions.Current()
		return current != nil && current.UserID == googleSubject
	})
	waitFor(t, "initial collection fetch", func() bool {
		return recorder.count() > 0 && len(recorder.latest()) == 0
	})

	session := *sessions.Current()

	// A write lands remotely, the push channel fires, and the collection is
	// refetched wholesale.
	if err := collection.Add(ctx, "Example", "https://example.com", session); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	waitFor(t, "first bookmark to appear", func() bool {
		return len(recorder.latest()) == 1
	})
	if err := collection.Add(ctx, "Docs", "https://docs.example.com", session); err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	waitFor(t, "second bookmark to appear", func() bool {
		return len(recorder.latest()) == 2
	})

	items := recorder.latest()
	if items[0].Title != "Docs" || items[1].Title != "Example" {
		t.Fatalf("expected newest-first ordering, got %#v", items)
	}
	if items[0].OwnerID != googleSubject {
		t.Fatalf("expected owner scoping, got %q", items[0].OwnerID)
	}

	// Removal propagates the same way.
	if err := collection.Remove(ctx, items[0].ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	waitFor(t, "bookmark removal to propagate", func() bool {
		return len(recorder.latest()) == 1
	})

	// Sign-out clears the visible collection and releases the push channel.
	if err := sessions.SignOut(ctx); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	waitFor(t, "collection to clear on sign out", func() bool {
		return sessions.Current() == nil && len(collection.Snapshot()) == 0
	})
}

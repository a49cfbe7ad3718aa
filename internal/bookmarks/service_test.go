package bookmarks

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Bookmark{}); err != nil {
		t.Fatalf("failed to migrate bookmark schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	var tick int64
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: NewUUIDProvider(),
		Clock: func() time.Time {
			tick++
			return time.Unix(1700000000, tick)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustOwnerID(t *testing.T, value string) OwnerID {
	t.Helper()
	id, err := NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	return id
}

func mustBookmarkID(t *testing.T, value string) BookmarkID {
	t.Helper()
	id, err := NewBookmarkID(value)
	if err != nil {
		t.Fatalf("unexpected bookmark id error: %v", err)
	}
	return id
}

func TestCreateAndListNewestFirst(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))
	owner := mustOwnerID(t, "user-1")
	ctx := context.Background()

	first, err := service.Create(ctx, owner, "Example", "https://example.com")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	second, err := service.Create(ctx, owner, "Docs", "https://docs.example.com")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	rows, err := service.List(ctx, owner)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 bookmarks, got %d", len(rows))
	}
	if rows[0].BookmarkID != second.BookmarkID {
		t.Fatalf("expected newest bookmark first, got %s", rows[0].BookmarkID)
	}
	if rows[1].BookmarkID != first.BookmarkID {
		t.Fatalf("expected oldest bookmark last, got %s", rows[1].BookmarkID)
	}
	if rows[0].CreatedAtNanos <= rows[1].CreatedAtNanos {
		t.Fatalf("expected descending created order, got %d then %d", rows[0].CreatedAtNanos, rows[1].CreatedAtNanos)
	}
}

func TestCreateTrimsTitleAndNormalizesURL(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))
	owner := mustOwnerID(t, "user-1")

	row, err := service.Create(context.Background(), owner, "  Docs  ", "  https://docs.example.com  ")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if row.Title != "Docs" {
		t.Fatalf("expected trimmed title, got %q", row.Title)
	}
	if row.URL != "https://docs.example.com" {
		t.Fatalf("expected normalized url, got %q", row.URL)
	}
	if row.OwnerID != "user-1" {
		t.Fatalf("expected owner scoping, got %q", row.OwnerID)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))
	owner := mustOwnerID(t, "user-1")
	ctx := context.Background()

	if _, err := service.Create(ctx, owner, "   ", "https://example.com"); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
	if _, err := service.Create(ctx, owner, "Bad", "not-a-url"); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}

	rows, err := service.List(ctx, owner)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rejected input must not persist, got %d rows", len(rows))
	}
}

func TestListIsolatesOwners(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))
	ctx := context.Background()
	alice := mustOwnerID(t, "alice")
	bob := mustOwnerID(t, "bob")

	if _, err := service.Create(ctx, alice, "Alice Link", "https://alice.example.com"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if _, err := service.Create(ctx, bob, "Bob Link", "https://bob.example.com"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	rows, err := service.List(ctx, alice)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 1 || rows[0].Title != "Alice Link" {
		t.Fatalf("expected only alice's bookmark, got %#v", rows)
	}
}

func TestDeleteIsIdempotentAndOwnerScoped(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))
	ctx := context.Background()
	alice := mustOwnerID(t, "alice")
	bob := mustOwnerID(t, "bob")

	row, err := service.Create(ctx, alice, "Example", "https://example.com")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	// Another owner cannot delete the row; the attempt is silently a no-op.
	removed, err := service.Delete(ctx, bob, mustBookmarkID(t, row.BookmarkID))
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if removed {
		t.Fatal("cross-owner delete must not remove rows")
	}

	removed, err = service.Delete(ctx, alice, mustBookmarkID(t, row.BookmarkID))
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if !removed {
		t.Fatal("expected owner delete to remove the row")
	}

	// Deleting an id that no longer exists succeeds.
	removed, err = service.Delete(ctx, alice, mustBookmarkID(t, row.BookmarkID))
	if err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
	if removed {
		t.Fatal("expected no rows removed on repeat delete")
	}

	rows, err := service.List(ctx, alice)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty collection, got %d rows", len(rows))
	}
}

func TestIsValidationFailure(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))
	owner := mustOwnerID(t, "user-1")

	_, err := service.Create(context.Background(), owner, "", "https://example.com")
	if !IsValidationFailure(err) {
		t.Fatalf("expected validation failure classification, got %v", err)
	}

	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "bookmarks.create.invalid_title" {
		t.Fatalf("unexpected error code %q", serviceErr.Code())
	}
}

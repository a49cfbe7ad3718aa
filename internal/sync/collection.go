package sync

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bookmark is the client-side view of a stored bookmark record.
type Bookmark struct {
	ID        string
	Title     string
	URL       string
	OwnerID   string
	CreatedAt time.Time
}

// BookmarkStore is the boundary to the remote persistence store.
type BookmarkStore interface {
	// ListBookmarks returns every bookmark owned by ownerID, newest first.
	ListBookmarks(ctx context.Context, ownerID string) ([]Bookmark, error)
	// InsertBookmark stores a new bookmark scoped to ownerID.
	InsertBookmark(ctx context.Context, ownerID, title, rawURL string) error
	// DeleteBookmark removes the bookmark with the given id. Deleting an id
	// that does not exist is not an error.
	DeleteBookmark(ctx context.Context, id string) error
}

// CollectionSynchronizerConfig bundles the dependencies for a
// CollectionSynchronizer.
type CollectionSynchronizerConfig struct {
	Store  BookmarkStore
	Logger *zap.Logger
	// OnUpdate, when set, is invoked with a snapshot after every applied
	// resync and after the collection is cleared on sign-out.
	OnUpdate func([]Bookmark)
}

// CollectionSynchronizer owns the in-memory bookmark collection for the
// current session. The collection always equals the result of the most recent
// successfully applied full fetch for the current scope; local writes are
// never applied optimistically and surface only through a later resync.
type CollectionSynchronizer struct {
	store    BookmarkStore
	logger   *zap.Logger
	onUpdate func([]Bookmark)

	mu       sync.Mutex
	scope    *Session
	epoch    uint64
	items    []Bookmark
	inflight bool
	rerun    bool
}

// NewCollectionSynchronizer constructs the synchronizer.
func NewCollectionSynchronizer(cfg CollectionSynchronizerConfig) (*CollectionSynchronizer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionSynchronizer{
		store:    cfg.Store,
		logger:   logger,
		onUpdate: cfg.OnUpdate,
	}, nil
}

// SetScope binds the collection to a session. Changing identity advances the
// epoch so that any in-flight fetch for the previous scope is discarded on
// completion. An absent scope clears the collection immediately.
func (s *CollectionSynchronizer) SetScope(session *Session) {
	s.mu.Lock()
	if SameIdentity(s.scope, session) {
		s.mu.Unlock()
		return
	}
	s.scope = session
	s.epoch++
	hadItems := len(s.items) > 0
	s.items = nil
	s.rerun = false
	notify := s.onUpdate
	s.mu.Unlock()

	if hadItems && notify != nil {
		notify(nil)
	}
}

// Snapshot returns a copy of the current collection, newest first.
func (s *CollectionSynchronizer) Snapshot() []Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil
	}
	snapshot := make([]Bookmark, len(s.items))
	copy(snapshot, s.items)
	return snapshot
}

// Resync fetches the full collection for session and replaces the local view
// wholesale. Safe to call concurrently with itself: calls are serialized, a
// request issued while a fetch is in flight coalesces into one rerun against
// the then-current scope, and a result whose scope was superseded before the
// fetch completed is dropped without touching the collection.
func (s *CollectionSynchronizer) Resync(ctx context.Context, session Session) error {
	s.mu.Lock()
	if !SameIdentity(s.scope, &session) {
		s.mu.Unlock()
		s.logger.Debug("resync discarded for superseded session", zap.String("user_id", session.UserID))
		return nil
	}
	if s.inflight {
		s.rerun = true
		s.mu.Unlock()
		return nil
	}
	s.inflight = true
	epoch := s.epoch
	s.mu.Unlock()

	items, err := s.store.ListBookmarks(ctx, session.UserID)

	s.mu.Lock()
	s.inflight = false
	rerun := s.rerun
	s.rerun = false
	stale := epoch != s.epoch
	applied := err == nil && !stale
	if applied {
		s.items = items
	}
	scope := s.scope
	notify := s.onUpdate
	s.mu.Unlock()

	if applied && notify != nil {
		notify(s.Snapshot())
	}

	var rerunErr error
	if rerun && scope != nil {
		rerunErr = s.Resync(ctx, *scope)
	}

	if err != nil {
		s.logger.Warn("collection fetch failed", zap.String("user_id", session.UserID), zap.Error(err))
		return &FetchError{cause: err}
	}
	if stale {
		s.logger.Debug("stale resync result dropped", zap.String("user_id", session.UserID))
		return nil
	}
	return rerunErr
}

// Add validates the input and issues an insert scoped to session. The local
// collection is not updated; the new item appears via the next resync.
func (s *CollectionSynchronizer) Add(ctx context.Context, title, rawURL string, session Session) error {
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return &ValidationError{Field: "url", Reason: "must be an absolute URL"}
	}

	if err := s.store.InsertBookmark(ctx, session.UserID, trimmedTitle, parsed.String()); err != nil {
		s.logger.Warn("bookmark insert failed", zap.String("user_id", session.UserID), zap.Error(err))
		return &WriteError{Op: "insert", cause: err}
	}
	return nil
}

// Remove issues a delete for the given id. Idempotent: removing an id that no
// longer exists succeeds. The local collection is not updated; the removal
// appears via the next resync.
func (s *CollectionSynchronizer) Remove(ctx context.Context, id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil
	}
	if err := s.store.DeleteBookmark(ctx, trimmed); err != nil {
		s.logger.Warn("bookmark delete failed", zap.String("bookmark_id", trimmed), zap.Error(err))
		return &WriteError{Op: "delete", cause: err}
	}
	return nil
}

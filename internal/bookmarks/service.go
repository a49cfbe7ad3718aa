package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code plus the root cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "bookmarks.service.new"
	opListBookmarks  = "bookmarks.list"
	opCreateBookmark = "bookmarks.create"
	opDeleteBookmark = "bookmarks.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for newly created bookmarks.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig bundles the dependencies required by the bookmark service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists and queries the per-owner bookmark collection.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// List returns every bookmark owned by ownerID, newest first.
func (s *Service) List(ctx context.Context, ownerID OwnerID) ([]Bookmark, error) {
	var rows []Bookmark
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String()).
		Order("created_at_ns DESC").
		Find(&rows).Error; err != nil {
		s.logError(opListBookmarks, "query_failed", err, zap.String("owner_id", ownerID.String()))
		return nil, newServiceError(opListBookmarks, "query_failed", err)
	}
	return rows, nil
}

// Create validates the input, stores a new bookmark scoped to ownerID, and
// returns the persisted row.
func (s *Service) Create(ctx context.Context, ownerID OwnerID, rawTitle, rawURL string) (Bookmark, error) {
	title, err := NewTitle(rawTitle)
	if err != nil {
		return Bookmark{}, newServiceError(opCreateBookmark, "invalid_title", err)
	}
	bookmarkURL, err := NewBookmarkURL(rawURL)
	if err != nil {
		return Bookmark{}, newServiceError(opCreateBookmark, "invalid_url", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateBookmark, "id_generation_failed", err, zap.String("owner_id", ownerID.String()))
		return Bookmark{}, newServiceError(opCreateBookmark, "id_generation_failed", err)
	}

	row := Bookmark{
		BookmarkID:     id,
		OwnerID:        ownerID.String(),
		Title:          title.String(),
		URL:            bookmarkURL.String(),
		CreatedAtNanos: s.clock().UTC().UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreateBookmark, "insert_failed", err,
			zap.String("owner_id", ownerID.String()),
			zap.String("bookmark_id", id))
		return Bookmark{}, newServiceError(opCreateBookmark, "insert_failed", err)
	}
	return row, nil
}

// Delete removes the bookmark with the given id when it is owned by ownerID.
// Deleting an id that does not exist, or that belongs to another owner, is
// not an error; row ownership is the access check.
func (s *Service) Delete(ctx context.Context, ownerID OwnerID, id BookmarkID) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("owner_id = ? AND bookmark_id = ?", ownerID.String(), id.String()).
		Delete(&Bookmark{})
	if result.Error != nil {
		s.logError(opDeleteBookmark, "delete_failed", result.Error,
			zap.String("owner_id", ownerID.String()),
			zap.String("bookmark_id", id.String()))
		return false, newServiceError(opDeleteBookmark, "delete_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("bookmark service error", attrs...)
}

// IsValidationFailure reports whether the error stems from rejected input
// rather than a storage failure.
func IsValidationFailure(err error) bool {
	return errors.Is(err, ErrInvalidTitle) ||
		errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrInvalidOwnerID) ||
		errors.Is(err, ErrInvalidBookmarkID)
}

package bookmarks

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 512
	maxURLLength        = 2048
)

var (
	// ErrInvalidBookmarkID indicates that a bookmark identifier is empty or exceeds storage bounds.
	ErrInvalidBookmarkID = errors.New("bookmarks: invalid bookmark id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("bookmarks: invalid owner id")
	// ErrInvalidTitle indicates that a title is empty after trimming or exceeds storage bounds.
	ErrInvalidTitle = errors.New("bookmarks: invalid title")
	// ErrInvalidURL indicates that a url is not absolute or exceeds storage bounds.
	ErrInvalidURL = errors.New("bookmarks: invalid url")
)

// BookmarkID represents a validated bookmark identifier.
type BookmarkID string

// NewBookmarkID validates raw input and returns a BookmarkID.
func NewBookmarkID(rawInput string) (BookmarkID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBookmarkID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBookmarkID, maxIdentifierLength)
	}
	return BookmarkID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BookmarkID) String() string {
	return string(id)
}

// OwnerID represents a validated bookmark owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Title represents a validated bookmark display title.
type Title string

// NewTitle trims and validates the display title.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return Title(trimmed), nil
}

// String returns the underlying title text.
func (t Title) String() string {
	return string(t)
}

// BookmarkURL represents a validated absolute URL.
type BookmarkURL string

// NewBookmarkURL validates that the input parses as an absolute URL with a host.
func NewBookmarkURL(rawInput string) (BookmarkURL, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if len(trimmed) > maxURLLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidURL, maxURLLength)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("%w: not absolute", ErrInvalidURL)
	}
	return BookmarkURL(parsed.String()), nil
}

// String returns the underlying url text.
func (u BookmarkURL) String() string {
	return string(u)
}

// Bookmark models the persisted bookmark row. Rows are append/delete only and
// never updated in place.
type Bookmark struct {
	BookmarkID     string `gorm:"column:bookmark_id;primaryKey;size:190;not null"`
	OwnerID        string `gorm:"column:owner_id;size:190;not null;index:idx_bookmarks_owner_created,priority:1"`
	Title          string `gorm:"column:title;size:512;not null"`
	URL            string `gorm:"column:url;size:2048;not null"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null;index:idx_bookmarks_owner_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Bookmark) TableName() string {
	return "bookmarks"
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marque/internal/sync"
	"go.uber.org/zap"
)

var (
	errMissingBaseURL     = errors.New("base url is required")
	errMissingTokenSource = errors.New("token source is required")
)

// TokenSource supplies the backend access token for authenticated calls.
type TokenSource interface {
	AccessToken() (string, error)
}

// StoreConfig bundles the dependencies for a Store.
type StoreConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger
}

// Store adapts the bookmark HTTP API to the synchronizer's storage boundary.
type Store struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *zap.Logger
}

// NewStore constructs an API-backed bookmark store.
func NewStore(cfg StoreConfig) (*Store, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenSource
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		logger:     logger,
	}, nil
}

type bookmarkPayload struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	URL            string `json:"url"`
	OwnerID        string `json:"owner_id"`
	CreatedAtNanos int64  `json:"created_at_ns"`
}

type bookmarkListPayload struct {
	Bookmarks []bookmarkPayload `json:"bookmarks"`
}

type createBookmarkPayload struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ListBookmarks fetches the full collection for ownerID, newest first.
func (s *Store) ListBookmarks(ctx context.Context, ownerID string) ([]sync.Bookmark, error) {
	response, err := s.do(ctx, http.MethodGet, "/bookmarks", nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list bookmarks returned status %d", response.StatusCode)
	}

	var payload bookmarkListPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, err
	}
	items := make([]sync.Bookmark, 0, len(payload.Bookmarks))
	for _, row := range payload.Bookmarks {
		items = append(items, sync.Bookmark{
			ID:        row.ID,
			Title:     row.Title,
			URL:       row.URL,
			OwnerID:   row.OwnerID,
			CreatedAt: time.Unix(0, row.CreatedAtNanos).UTC(),
		})
	}
	return items, nil
}

// InsertBookmark stores a new bookmark scoped to the authenticated owner.
func (s *Store) InsertBookmark(ctx context.Context, ownerID, title, rawURL string) error {
	body, err := json.Marshal(createBookmarkPayload{Title: title, URL: rawURL})
	if err != nil {
		return err
	}
	response, err := s.do(ctx, http.MethodPost, "/bookmarks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		return fmt.Errorf("create bookmark returned status %d", response.StatusCode)
	}
	return nil
}

// DeleteBookmark removes the bookmark with the given id. The API treats an
// absent id as success, matching the storage boundary contract.
func (s *Store) DeleteBookmark(ctx context.Context, id string) error {
	response, err := s.do(ctx, http.MethodDelete, "/bookmarks/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete bookmark returned status %d", response.StatusCode)
	}
	return nil
}

func (s *Store) do(ctx context.Context, method, path string, body *bytes.Reader) (*http.Response, error) {
	token, err := s.tokens.AccessToken()
	if err != nil {
		return nil, err
	}
	var request *http.Request
	if body != nil {
		request, err = http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	} else {
		request, err = http.NewRequestWithContext(ctx, method, s.baseURL+path, http.NoBody)
	}
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return s.httpClient.Do(request)
}

var _ sync.BookmarkStore = (*Store)(nil)

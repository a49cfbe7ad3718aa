package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"

	"github.com/MarcoPoloResearchLab/marque/internal/sync"
	"go.uber.org/zap"
)

const feedEventBookmarkChanged = "bookmark-change"

// FeedConfig bundles the dependencies for a Feed.
type FeedConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger
}

// Feed adapts the server-sent event stream to the bridge's change-feed
// boundary. Each Subscribe call opens its own long-lived HTTP stream.
type Feed struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *zap.Logger
}

// NewFeed constructs an event-stream change feed.
func NewFeed(cfg FeedConfig) (*Feed, error) {
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
	return &Feed{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		logger:     logger,
	}, nil
}

// Subscribe opens the event stream and forwards bookmark-change events to
// onEvent. onError fires at most once, when the stream fails while still
// open; a stream ended by Close or ctx stays silent.
func (f *Feed) Subscribe(ctx context.Context, ownerID string, onEvent func(), onError func(error)) (sync.FeedSubscription, error) {
	token, err := f.tokens.AccessToken()
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	streamURL := f.baseURL + "/bookmarks/stream?access_token=" + url.QueryEscape(token)
	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		cancel()
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := f.httpClient.Do(request)
	if err != nil {
		cancel()
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream returned status %d", response.StatusCode)
	}

	subscription := &feedSubscription{cancel: cancel}
	go f.pump(subscription, response, ownerID, onEvent, onError)
	return subscription, nil
}

func (f *Feed) pump(subscription *feedSubscription, response *http.Response, ownerID string, onEvent func(), onError func(error)) {
	defer response.Body.Close()

	reader := bufio.NewReader(response.Body)
	currentEventType := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if subscription.isClosed() {
				return
			}
			f.logger.Debug("event stream ended",
				zap.String("owner_id", ownerID),
				zap.Error(err))
			if onError != nil {
				onError(err)
			}
			return
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			currentEventType = ""
		case strings.HasPrefix(line, "event:"):
			currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			// Payloads carry ids only; the consumer refetches wholesale, so
			// heartbeats and payload contents are both ignored here.
			if currentEventType == feedEventBookmarkChanged && onEvent != nil {
				onEvent()
			}
		}
	}
}

type feedSubscription struct {
	cancel context.CancelFunc

	mu     gosync.Mutex
	closed bool
}

func (s *feedSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *feedSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ sync.ChangeFeed = (*Feed)(nil)

package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProvider drives session transitions from tests.
type fakeProvider struct {
	mu         sync.Mutex
	current    *Session
	transition chan *Session
	signOuts   int
	beginAuths int
}

func newFakeProvider(current *Session) *fakeProvider {
	return &fakeProvider{
		current:    current,
		transition: make(chan *Session, 8),
	}
}

func (p *fakeProvider) BeginAuth(context.Context) error {
	p.mu.Lock()
	p.beginAuths++
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.signOuts++
	p.mu.Unlock()
	p.transition <- nil
	return nil
}

func (p *fakeProvider) SessionStates(ctx context.Context) <-chan *Session {
	stream := make(chan *Session, 8)
	p.mu.Lock()
	stream <- p.current
	p.mu.Unlock()
	go func() {
		defer close(stream)
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-p.transition:
				if !ok {
					return
				}
				select {
				case stream <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return stream
}

func (p *fakeProvider) emit(state *Session) {
	p.transition <- state
}

// fakeStore records calls and serves canned collections per owner.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string][]Bookmark
	listErr     error
	insertErr   error
	deleteErr   error
	listCalls   int
	insertCalls int
	deleteCalls int
	lastInsert  [3]string
	lastDelete  string
	listGate    chan struct{}
	listStarted chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{collections: make(map[string][]Bookmark)}
}

func (s *fakeStore) ListBookmarks(ctx context.Context, ownerID string) ([]Bookmark, error) {
	s.mu.Lock()
	s.listCalls++
	gate := s.listGate
	started := s.listStarted
	err := s.listErr
	items := append([]Bookmark(nil), s.collections[ownerID]...)
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *fakeStore) InsertBookmark(_ context.Context, ownerID, title, rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	s.lastInsert = [3]string{ownerID, title, rawURL}
	return s.insertErr
}

func (s *fakeStore) DeleteBookmark(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	s.lastDelete = id
	return s.deleteErr
}

func (s *fakeStore) counts() (list, insert, del int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, s.insertCalls, s.deleteCalls
}

// fakeFeed tracks open subscriptions and lets tests fire events and failures.
type fakeFeed struct {
	mu           sync.Mutex
	subscribeErr error
	open         map[int64]*fakeFeedSub
	nextID       int64
	subscribes   int
}

type fakeFeedSub struct {
	feed    *fakeFeed
	id      int64
	ownerID string
	onEvent func()
	onError func(error)
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{open: make(map[int64]*fakeFeedSub)}
}

func (f *fakeFeed) Subscribe(_ context.Context, ownerID string, onEvent func(), onError func(error)) (FeedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.nextID++
	sub := &fakeFeedSub{feed: f, id: f.nextID, ownerID: ownerID, onEvent: onEvent, onError: onError}
	f.open[sub.id] = sub
	return sub, nil
}

func (s *fakeFeedSub) Close() error {
	s.feed.mu.Lock()
	delete(s.feed.open, s.id)
	s.feed.mu.Unlock()
	return nil
}

func (f *fakeFeed) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func (f *fakeFeed) fireEvent() {
	f.mu.Lock()
	subs := make([]*fakeFeedSub, 0, len(f.open))
	for _, sub := range f.open {
		subs = append(subs, sub)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.onEvent()
	}
}

func (f *fakeFeed) failAll(err error) {
	f.mu.Lock()
	subs := make([]*fakeFeedSub, 0, len(f.open))
	for _, sub := range f.open {
		subs = append(subs, sub)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

var errTransport = errors.New("transport unavailable")

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if condition() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", description)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func mustSynchronizer(t *testing.T, store BookmarkStore) *CollectionSynchronizer {
	t.Helper()
	synchronizer, err := NewCollectionSynchronizer(CollectionSynchronizerConfig{Store: store})
	if err != nil {
		t.Fatalf("unexpected synchronizer error: %v", err)
	}
	return synchronizer
}

func mustBridge(t *testing.T, feed ChangeFeed) *ChangeNotificationBridge {
	t.Helper()
	bridge, err := NewChangeNotificationBridge(ChangeNotificationBridgeConfig{Feed: feed})
	if err != nil {
		t.Fatalf("unexpected bridge error: %v", err)
	}
	return bridge
}

func mustController(t *testing.T, provider IdentityProvider) *SessionController {
	t.Helper()
	controller, err := NewSessionController(SessionControllerConfig{Provider: provider})
	if err != nil {
		t.Fatalf("unexpected controller error: %v", err)
	}
	return controller
}

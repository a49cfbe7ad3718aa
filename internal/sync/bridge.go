package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// FeedSubscription is an open push channel that can be released.
type FeedSubscription interface {
	Close() error
}

// ChangeFeed is the boundary to the push-notification transport.
type ChangeFeed interface {
	// Subscribe opens a push channel scoped to ownerID. onEvent fires once
	// per detected change, with no payload; onEvent triggering an idempotent
	// resync makes duplicate or reordered delivery harmless. onError fires at
	// most once, when the open channel fails unrecoverably.
	Subscribe(ctx context.Context, ownerID string, onEvent func(), onError func(error)) (FeedSubscription, error)
}

// SubscriptionHandle represents one open notification channel scoped to a
// session. Owned by the bridge; released via Detach.
type SubscriptionHandle struct {
	userID string
	feed   FeedSubscription

	mu     sync.Mutex
	closed bool
}

// UserID returns the identity the handle is scoped to.
func (h *SubscriptionHandle) UserID() string {
	return h.userID
}

func (h *SubscriptionHandle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	_ = h.feed.Close()
}

// ChangeNotificationBridgeConfig bundles the dependencies for a
// ChangeNotificationBridge.
type ChangeNotificationBridgeConfig struct {
	Feed   ChangeFeed
	Logger *zap.Logger
}

// ChangeNotificationBridge manages the push-channel lifecycle tied to session
// identity. At most one handle is live at a time; attaching for a new session
// releases the previous channel first.
type ChangeNotificationBridge struct {
	feed   ChangeFeed
	logger *zap.Logger

	mu     sync.Mutex
	active *SubscriptionHandle
}

// NewChangeNotificationBridge constructs the bridge.
func NewChangeNotificationBridge(cfg ChangeNotificationBridgeConfig) (*ChangeNotificationBridge, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeNotificationBridge{feed: cfg.Feed, logger: logger}, nil
}

// Attach opens a push channel scoped to session and invokes onChange for
// every change event affecting the scoped collection. Transport failure after
// a successful attach surfaces through onError as a SubscriptionError; the
// bridge never degrades to a silently disconnected state.
func (b *ChangeNotificationBridge) Attach(ctx context.Context, session Session, onChange func(), onError func(error)) (*SubscriptionHandle, error) {
	b.mu.Lock()
	previous := b.active
	b.active = nil
	b.mu.Unlock()
	if previous != nil {
		b.logger.Debug("releasing previous subscription", zap.String("user_id", previous.userID))
		previous.close()
	}

	forwardError := func(err error) {
		if onError != nil {
			onError(&SubscriptionError{cause: err})
		}
	}

	feedSub, err := b.feed.Subscribe(ctx, session.UserID, onChange, forwardError)
	if err != nil {
		return nil, &SubscriptionError{cause: err}
	}

	handle := &SubscriptionHandle{userID: session.UserID, feed: feedSub}
	b.mu.Lock()
	b.active = handle
	b.mu.Unlock()

	b.logger.Info("change subscription opened", zap.String("user_id", session.UserID))
	return handle, nil
}

// Detach releases the handle. Double-detach and detaching nil are no-ops.
func (b *ChangeNotificationBridge) Detach(handle *SubscriptionHandle) {
	if handle == nil {
		return
	}
	b.mu.Lock()
	if b.active == handle {
		b.active = nil
	}
	b.mu.Unlock()

	handle.close()
	b.logger.Info("change subscription released", zap.String("user_id", handle.userID))
}

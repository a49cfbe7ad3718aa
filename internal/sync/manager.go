package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReattachBackoff = time.Second
	maxReattachBackoff     = 30 * time.Second
)

var (
	errMissingSessions   = errors.New("sync: session controller is required")
	errMissingCollection = errors.New("sync: collection synchronizer is required")
	errMissingBridge     = errors.New("sync: change notification bridge is required")
)

// ManagerConfig bundles the three core components the manager coordinates.
type ManagerConfig struct {
	Sessions   *SessionController
	Collection *CollectionSynchronizer
	Bridge     *ChangeNotificationBridge
	Logger     *zap.Logger
	// ReattachBackoff is the initial delay before reopening a failed push
	// channel. Doubles per consecutive failure, capped at 30s.
	ReattachBackoff time.Duration
}

// Manager wires the session stream to collection resynchronization and
// subscription lifecycle: re-fetch and subscribe on login, clear and release
// on logout, re-fetch on every change notification, and reopen the push
// channel with capped backoff when it fails.
type Manager struct {
	sessions   *SessionController
	collection *CollectionSynchronizer
	bridge     *ChangeNotificationBridge
	logger     *zap.Logger
	backoff    time.Duration

	changed chan struct{}
	feedErr chan error
}

// NewManager constructs the manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Collection == nil {
		return nil, errMissingCollection
	}
	if cfg.Bridge == nil {
		return nil, errMissingBridge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := cfg.ReattachBackoff
	if backoff <= 0 {
		backoff = defaultReattachBackoff
	}
	return &Manager{
		sessions:   cfg.Sessions,
		collection: cfg.Collection,
		bridge:     cfg.Bridge,
		logger:     logger,
		backoff:    backoff,
		changed:    make(chan struct{}, 1),
		feedErr:    make(chan error, 1),
	}, nil
}

// Run drives the reconciliation loop until ctx is done. The open subscription
// handle is released on every exit path.
func (m *Manager) Run(ctx context.Context) error {
	stream := m.sessions.Observe(ctx)

	var current *Session
	var handle *SubscriptionHandle
	defer func() {
		m.bridge.Detach(handle)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case next, ok := <-stream:
			if !ok {
				return nil
			}
			if SameIdentity(current, next) {
				continue
			}
			current = next
			m.bridge.Detach(handle)
			handle = nil
			m.collection.SetScope(current)
			if current == nil {
				continue
			}
			handle = m.attach(ctx, *current)
			m.resync(ctx, current)

		case <-m.changed:
			m.resync(ctx, current)

		case err := <-m.feedErr:
			m.logger.Warn("push channel failed", zap.Error(err))
			m.bridge.Detach(handle)
			handle = nil
			if current == nil {
				continue
			}
			handle = m.reattach(ctx, *current)
			m.resync(ctx, current)
		}
	}
}

func (m *Manager) attach(ctx context.Context, session Session) *SubscriptionHandle {
	handle, err := m.bridge.Attach(ctx, session, m.notifyChanged, m.notifyFeedError)
	if err != nil {
		m.logger.Warn("change subscription attach failed", zap.String("user_id", session.UserID), zap.Error(err))
		m.notifyFeedError(err)
		return nil
	}
	return handle
}

// reattach retries Attach with doubling, capped backoff until it succeeds or
// the session is superseded.
func (m *Manager) reattach(ctx context.Context, session Session) *SubscriptionHandle {
	delay := m.backoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		latest := m.sessions.Current()
		if !SameIdentity(latest, &session) {
			return nil
		}
		handle, err := m.bridge.Attach(ctx, session, m.notifyChanged, m.notifyFeedError)
		if err == nil {
			return handle
		}
		m.logger.Warn("change subscription reattach failed",
			zap.String("user_id", session.UserID),
			zap.Duration("next_attempt_in", delay),
			zap.Error(err))
		delay *= 2
		if delay > maxReattachBackoff {
			delay = maxReattachBackoff
		}
	}
}

func (m *Manager) resync(ctx context.Context, session *Session) {
	if session == nil {
		return
	}
	if err := m.collection.Resync(ctx, *session); err != nil {
		m.logger.Warn("resync failed", zap.String("user_id", session.UserID), zap.Error(err))
	}
}

func (m *Manager) notifyChanged() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Manager) notifyFeedError(err error) {
	select {
	case m.feedErr <- err:
	default:
	}
}

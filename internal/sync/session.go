package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Session represents the authenticated identity for which the collection is
// synchronized. A nil *Session means no identity is authenticated.
type Session struct {
	UserID      string
	Email       string
	DisplayName string
}

// SameIdentity reports whether two session states refer to the same identity.
// Two absent sessions are the same; provider metadata is ignored.
func SameIdentity(a, b *Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UserID == b.UserID
}

// IdentityProvider is the boundary to the external authentication provider.
type IdentityProvider interface {
	// BeginAuth initiates provider authentication. The resulting session, if
	// any, is delivered through SessionStates rather than returned here.
	BeginAuth(ctx context.Context) error
	// SignOut requests session termination. Idempotent.
	SignOut(ctx context.Context) error
	// SessionStates emits the provider's currently known state first, then
	// every subsequent transition, until ctx is done. Delivery may repeat a
	// state; consumers must tolerate idempotent redelivery.
	SessionStates(ctx context.Context) <-chan *Session
}

// SessionControllerConfig bundles the dependencies for a SessionController.
type SessionControllerConfig struct {
	Provider IdentityProvider
	Logger   *zap.Logger
}

// SessionController owns the authentication-session lifecycle. It is the sole
// source of truth for the current identity and fans session transitions out
// to any number of observers.
type SessionController struct {
	provider IdentityProvider
	logger   *zap.Logger

	mu          sync.Mutex
	current     *Session
	subscribers map[int64]chan *Session
	nextID      int64
}

// NewSessionController constructs the controller.
func NewSessionController(cfg SessionControllerConfig) (*SessionController, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionController{
		provider:    cfg.Provider,
		logger:      logger,
		subscribers: make(map[int64]chan *Session),
	}, nil
}

// Run pumps provider session transitions into the controller until ctx is
// done. It must be running for Observe streams to receive updates.
func (c *SessionController) Run(ctx context.Context) error {
	states := c.provider.SessionStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-states:
			if !ok {
				return nil
			}
			c.apply(state)
		}
	}
}

// SignIn initiates provider authentication. Resolution arrives asynchronously
// via Observe; failure is visible only as the stream remaining absent.
func (c *SessionController) SignIn(ctx context.Context) error {
	return c.provider.BeginAuth(ctx)
}

// SignOut requests session termination. Safe to call when already signed out;
// success is observed as the stream transitioning to absent.
func (c *SessionController) SignOut(ctx context.Context) error {
	return c.provider.SignOut(ctx)
}

// Current returns the controller's currently known session state.
func (c *SessionController) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Observe returns a stream of session states, starting with the currently
// known state. The stream is closed when ctx is done. Slow consumers always
// receive the latest state but may miss intermediate transitions; the same
// state may be delivered more than once.
func (c *SessionController) Observe(ctx context.Context) <-chan *Session {
	stream := make(chan *Session, 1)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subscribers[id] = stream
	stream <- c.current
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}()

	return stream
}

func (c *SessionController) apply(state *Session) {
	c.mu.Lock()
	c.current = state
	streams := make([]chan *Session, 0, len(c.subscribers))
	for _, stream := range c.subscribers {
		streams = append(streams, stream)
	}
	c.mu.Unlock()

	if state == nil {
		c.logger.Info("session cleared")
	} else {
		c.logger.Info("session established", zap.String("user_id", state.UserID))
	}

	for _, stream := range streams {
		offerLatest(stream, state)
	}
}

// offerLatest delivers state on a buffered stream, displacing a pending
// undelivered state so the consumer always sees the newest one.
func offerLatest(stream chan *Session, state *Session) {
	for {
		select {
		case stream <- state:
			return
		default:
			select {
			case <-stream:
			default:
			}
		}
	}
}

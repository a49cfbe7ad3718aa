package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	gosync "sync"

	"github.com/MarcoPoloResearchLab/marque/internal/sync"
	"go.uber.org/zap"
)

var (
	errMissingIDTokenSource = errors.New("google id token source is required")
	errNotAuthenticated     = errors.New("no authenticated session")
)

// GoogleIDTokenSource obtains a fresh Google ID token when authentication
// begins, typically by driving a browser or device flow.
type GoogleIDTokenSource func(ctx context.Context) (string, error)

// ProviderConfig bundles the dependencies for a Provider.
type ProviderConfig struct {
	BaseURL       string
	HTTPClient    *http.Client
	IDTokenSource GoogleIDTokenSource
	Logger        *zap.Logger
}

// Provider implements the identity boundary against the auth endpoint. It
// exchanges a Google ID token for a backend access token and publishes the
// resulting session transitions.
type Provider struct {
	baseURL       string
	httpClient    *http.Client
	idTokenSource GoogleIDTokenSource
	logger        *zap.Logger

	mu          gosync.Mutex
	accessToken string
	session     *sync.Session
	watchers    []chan *sync.Session
}

// NewProvider constructs an API-backed identity provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.IDTokenSource == nil {
		return nil, errMissingIDTokenSource
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		baseURL:       baseURL,
		httpClient:    httpClient,
		idTokenSource: cfg.IDTokenSource,
		logger:        logger,
	}, nil
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// BeginAuth exchanges a Google ID token for a backend session. The session
// transition is delivered through SessionStates.
func (p *Provider) BeginAuth(ctx context.Context) error {
	idToken, err := p.idTokenSource(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(authRequestPayload{IDToken: idToken})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth/google", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := p.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("auth exchange returned status %d", response.StatusCode)
	}

	var payload authResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return err
	}
	if payload.AccessToken == "" || payload.UserID == "" {
		return errors.New("auth exchange returned incomplete credentials")
	}

	p.publish(payload.AccessToken, &sync.Session{
		UserID:      payload.UserID,
		Email:       payload.Email,
		DisplayName: payload.DisplayName,
	})
	p.logger.Info("session established", zap.String("user_id", payload.UserID))
	return nil
}

// SignOut discards the local session. Idempotent.
func (p *Provider) SignOut(_ context.Context) error {
	p.publish("", nil)
	return nil
}

// SessionStates emits the current state first, then every transition, until
// ctx is done. Slow consumers observe the latest state rather than every
// intermediate one.
func (p *Provider) SessionStates(ctx context.Context) <-chan *sync.Session {
	watcher := make(chan *sync.Session, 1)

	p.mu.Lock()
	watcher <- p.session
	p.watchers = append(p.watchers, watcher)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for index, registered := range p.watchers {
			if registered == watcher {
				p.watchers = append(p.watchers[:index], p.watchers[index+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}()
	return watcher
}

// AccessToken returns the backend token of the authenticated session.
func (p *Provider) AccessToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken == "" {
		return "", errNotAuthenticated
	}
	return p.accessToken, nil
}

// Current returns the last published session state.
func (p *Provider) Current() *sync.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *Provider) publish(accessToken string, session *sync.Session) {
	p.mu.Lock()
	p.accessToken = accessToken
	p.session = session
	watchers := make([]chan *sync.Session, len(p.watchers))
	copy(watchers, p.watchers)
	p.mu.Unlock()

	for _, watcher := range watchers {
		// Displace a pending state so the watcher always sees the latest.
		select {
		case watcher <- session:
		default:
			select {
			case <-watcher:
			default:
			}
			select {
			case watcher <- session:
			default:
			}
		}
	}
}

var _ sync.IdentityProvider = (*Provider)(nil)
var _ TokenSource = (*Provider)(nil)

// Package apiclient builds authenticated HTTP clients for external services
// from stored tenant credentials. Calls retry transient failures (5xx, 429,
// transport errors) with capped exponential backoff; everything else is
// returned to the caller on the first attempt.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"automation-hub/backend/internal/config"
	"automation-hub/backend/pkg/models"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 4
	defaultMaxInterval = 10 * time.Second
	maxErrorBody       = 2048
)

// StatusError is a non-2xx response from an external service.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Retriable reports whether the failure is worth another attempt.
func (e *StatusError) Retriable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Manager performs authenticated calls against one service for one tenant.
type Manager struct {
	service     string
	baseURL     string
	client      *http.Client
	tokens      oauth2.TokenSource
	maxRetries  uint64
	maxInterval time.Duration
}

// CredentialSaver persists credentials, such as tokens rotated by a refresh.
type CredentialSaver interface {
	SaveCredential(ctx context.Context, cred *models.Credential) error
}

// New creates a Manager for cred using the service settings in sc. OAuth
// credentials refresh through sc.TokenURL when one is configured; API key
// credentials are sent in sc.APIKeyHeader (default "X-API-Key").
func New(ctx context.Context, cred *models.Credential, sc config.ServiceConfig) (*Manager, error) {
	return newManager(ctx, cred, sc, nil)
}

func newManager(ctx context.Context, cred *models.Credential, sc config.ServiceConfig, saver CredentialSaver) (*Manager, error) {
	if cred == nil {
		return nil, errors.New("apiclient: nil credential")
	}
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := sc.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}

	m := &Manager{
		service:     cred.Service,
		baseURL:     strings.TrimRight(sc.BaseURL, "/"),
		maxRetries:  retries,
		maxInterval: defaultMaxInterval,
	}

	base := &http.Client{Timeout: timeout}
	switch {
	case cred.HasToken():
		tok := &oauth2.Token{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			TokenType:    cred.TokenType,
			Expiry:       cred.Expiry,
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		if sc.TokenURL != "" {
			conf := &oauth2.Config{
				ClientID:     sc.ClientID,
				ClientSecret: sc.ClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: sc.TokenURL},
			}
			m.tokens = conf.TokenSource(ctx, tok)
			if saver != nil {
				m.tokens = &savingTokenSource{ctx: ctx, src: m.tokens, cred: *cred, saver: saver, last: tok}
			}
		} else {
			m.tokens = oauth2.StaticTokenSource(tok)
		}
		m.client = oauth2.NewClient(ctx, m.tokens)
		m.client.Timeout = timeout
	case cred.APIKey != "":
		header := sc.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		base.Transport = &apiKeyTransport{header: header, key: cred.APIKey, next: http.DefaultTransport}
		m.client = base
	default:
		return nil, fmt.Errorf("apiclient: credential for %s has no token or api key", cred.Service)
	}
	return m, nil
}

// Service returns the service name the manager was built for.
func (m *Manager) Service() string {
	return m.service
}

// Token returns the current OAuth token, refreshing it if needed. It is nil
// for API key credentials.
func (m *Manager) Token() (*oauth2.Token, error) {
	if m.tokens == nil {
		return nil, nil
	}
	return m.tokens.Token()
}

// JSON sends body (when non-nil) as JSON to path and decodes the response
// into out (when non-nil).
func (m *Manager) JSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode body: %w", err)
		}
		payload = b
	}

	respBody, err := m.Do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("apiclient: decode %s response: %w", m.service, err)
	}
	return nil
}

// Do performs one logical call, retrying transient failures, and returns the
// response body.
func (m *Manager) Do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	url := m.baseURL + "/" + strings.TrimLeft(path, "/")

	var result []byte
	op := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := m.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var rErr *oauth2.RetrieveError
			if errors.As(err, &rErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if len(data) > maxErrorBody {
				data = data[:maxErrorBody]
			}
			sErr := &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(data)}
			if sErr.Retriable() {
				return sErr
			}
			return backoff.Permanent(sErr)
		}
		result = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = m.maxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// savingTokenSource writes every new token back through saver, so a rotated
// refresh token outlives the Manager.
type savingTokenSource struct {
	ctx   context.Context
	src   oauth2.TokenSource
	saver CredentialSaver

	mu   sync.Mutex
	cred models.Credential
	last *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && tok.AccessToken == s.last.AccessToken && tok.RefreshToken == s.last.RefreshToken {
		return tok, nil
	}

	cred := s.cred
	cred.AccessToken = tok.AccessToken
	cred.RefreshToken = tok.RefreshToken
	cred.TokenType = tok.TokenType
	cred.Expiry = tok.Expiry
	if err := s.saver.SaveCredential(context.WithoutCancel(s.ctx), &cred); err != nil {
		return nil, fmt.Errorf("apiclient: save refreshed %s token: %w", cred.Service, err)
	}
	s.cred = cred
	s.last = tok
	return tok, nil
}

type apiKeyTransport struct {
	header string
	key    string
	next   http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if strings.EqualFold(t.header, "Authorization") {
		r.Header.Set("Authorization", "Bearer "+t.key)
	} else {
		r.Header.Set(t.header, t.key)
	}
	return t.next.RoundTrip(r)
}

// Factory builds Managers from per-service configuration.
type Factory struct {
	services map[string]config.ServiceConfig
	saver    CredentialSaver
	// maxInterval caps backoff waits; tests shrink it.
	maxInterval time.Duration
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithCredentialSaver persists OAuth tokens refreshed by built Managers.
func WithCredentialSaver(saver CredentialSaver) FactoryOption {
	return func(f *Factory) { f.saver = saver }
}

// NewFactory creates a Factory over the configured services.
func NewFactory(services map[string]config.ServiceConfig, opts ...FactoryOption) *Factory {
	f := &Factory{services: services, maxInterval: defaultMaxInterval}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Manager builds a Manager for cred.
func (f *Factory) Manager(ctx context.Context, cred *models.Credential) (*Manager, error) {
	sc, ok := f.services[cred.Service]
	if !ok {
		return nil, fmt.Errorf("apiclient: service %q is not configured", cred.Service)
	}
	m, err := newManager(ctx, cred, sc, f.saver)
	if err != nil {
		return nil, err
	}
	m.maxInterval = f.maxInterval
	return m, nil
}

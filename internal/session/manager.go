// Package session owns the portal's authenticated session lifecycle.
// The portal tolerates exactly one logical login; renewal is serialized
// so concurrent callers coalesce onto a single in-flight login.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/metrics"
	"github.com/campusarchive/crawler/internal/portal"
)

// loginFormMarker appears in the response body whenever the portal served
// the login form instead of the requested page. The portal answers 200 on
// bad credentials, so this marker is the only failure signal.
const loginFormMarker = `name="senha"`

// IsLoginPage reports whether a response body is the portal's login form.
// The portal redirects expired sessions to the form with status 200, so
// body inspection is the only reliable signal.
func IsLoginPage(body []byte) bool {
	return bytes.Contains(body, []byte(loginFormMarker))
}

// Config holds the knobs for the session manager.
type Config struct {
	LoginURL         string
	Username         string
	Password         string
	UserAgent        string
	MaxLoginAttempts int
	TTL              time.Duration
	Timeout          time.Duration
}

// Session is one authenticated portal session. The cookie state lives in
// the manager's shared jar; the session value only carries identity so
// stale invalidations can be detected.
type Session struct {
	Generation    uint64
	EstablishedAt time.Time
}

// Manager implements the acquire/invalidate/renew lifecycle.
type Manager struct {
	cfg    Config
	client *http.Client
	clock  portal.Clock
	logger *zap.Logger

	mu       sync.Mutex
	current  *Session
	renewing chan struct{}
	lastErr  error
	gen      uint64
}

// New constructs a Manager with its own cookie jar. The returned manager's
// HTTP client must be shared with the dispatcher so fetches ride the same
// cookies.
func New(cfg Config, clock portal.Clock, logger *zap.Logger) (*Manager, error) {
	if cfg.LoginURL == "" {
		return nil, errors.New("login url is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("credentials are required")
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		client: &http.Client{Jar: jar, Timeout: cfg.Timeout},
		clock:  clock,
		logger: logger,
	}, nil
}

// Client returns the HTTP client carrying the session cookies.
func (m *Manager) Client() *http.Client {
	return m.client
}

// UserAgent returns the identity presented on every portal request.
func (m *Manager) UserAgent() string {
	return m.cfg.UserAgent
}

// Acquire blocks until a valid session exists, logging in if necessary.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if s := m.current; s != nil && m.clock.Now().Sub(s.EstablishedAt) < m.cfg.TTL {
		m.mu.Unlock()
		return s, nil
	}
	m.current = nil
	m.mu.Unlock()
	return m.Renew(ctx)
}

// Invalidate discards the session if it is still the current one. An
// invalidation racing a newer session is a no-op.
func (m *Manager) Invalidate(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && s != nil && m.current.Generation == s.Generation {
		m.current = nil
	}
}

// Renew returns a fresh session, performing at most one login regardless
// of how many callers are waiting. All waiters receive the same session
// (or the same fatal error) once the in-flight login completes.
func (m *Manager) Renew(ctx context.Context) (*Session, error) {
	for {
		m.mu.Lock()
		if s := m.current; s != nil {
			m.mu.Unlock()
			return s, nil
		}
		if m.renewing == nil {
			done := make(chan struct{})
			m.renewing = done
			m.lastErr = nil
			m.mu.Unlock()

			s, err := m.login(ctx)

			m.mu.Lock()
			m.renewing = nil
			if err != nil {
				m.lastErr = err
			} else {
				m.current = s
			}
			close(done)
			m.mu.Unlock()
			return s, err
		}
		done := m.renewing
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("renew wait: %w", ctx.Err())
		}

		m.mu.Lock()
		s, err := m.current, m.lastErr
		m.mu.Unlock()
		if s != nil {
			return s, nil
		}
		if err != nil {
			return nil, err
		}
		// Renewer lost a race with another invalidation; try again.
	}
}

func (m *Manager) login(ctx context.Context) (*Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxLoginAttempts; attempt++ {
		m.logger.Info("requesting portal login", zap.Int("attempt", attempt))
		body, err := m.postCredentials(ctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, fmt.Errorf("login canceled: %w", ctx.Err())
			}
			m.logger.Warn("login request failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if strings.Contains(body, loginFormMarker) {
			// The portal served the login form back: the credentials
			// were rejected. Not a transient condition.
			return nil, &portal.AuthError{Attempts: attempt, Err: errors.New("credentials rejected")}
		}
		metrics.ObserveSessionRenewal()
		m.mu.Lock()
		m.gen++
		s := &Session{Generation: m.gen, EstablishedAt: m.clock.Now()}
		m.mu.Unlock()
		m.logger.Info("portal session established", zap.Uint64("generation", s.Generation))
		return s, nil
	}
	return nil, &portal.AuthError{Attempts: m.cfg.MaxLoginAttempts, Err: lastErr}
}

func (m *Manager) postCredentials(ctx context.Context) (string, error) {
	form := url.Values{
		"identificador": {m.cfg.Username},
		"senha":         {m.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", m.cfg.UserAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post login form: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login status %d", resp.StatusCode)
	}
	return string(body), nil
}

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/portal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T, loginURL string, clock portal.Clock) *Manager {
	t.Helper()
	m, err := New(Config{
		LoginURL:         loginURL,
		Username:         "user",
		Password:         "secret",
		MaxLoginAttempts: 3,
		TTL:              15 * time.Minute,
	}, clock, zap.NewNop())
	require.NoError(t, err)
	return m
}

// TestAcquireLogsInOnce verifies that concurrent Acquire calls coalesce
// onto a single login request.
func TestAcquireLogsInOnce(t *testing.T) {
	t.Parallel()

	var logins atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("<html>welcome</html>")) //nolint:errcheck
	}))
	defer srv.Close()

	m := newManager(t, srv.URL, &fakeClock{now: time.Now()})

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Acquire(context.Background())
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, logins.Load(), "concurrent acquirers must share one login")
	for _, s := range sessions {
		require.NotNil(t, s)
		assert.Equal(t, sessions[0].Generation, s.Generation)
	}
}

// TestAcquireRenewsExpiredSession verifies that a session older than the
// TTL triggers a new login.
func TestAcquireRenewsExpiredSession(t *testing.T) {
	t.Parallel()

	var logins atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	m := newManager(t, srv.URL, clock)

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, logins.Load())
	assert.Greater(t, second.Generation, first.Generation)
}

// TestBadCredentialsAreFatal verifies that the portal echoing the login
// form back produces an AuthError without burning the retry budget.
func TestBadCredentialsAreFatal(t *testing.T) {
	t.Parallel()

	var logins atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		w.Write([]byte(`<form><input name="senha" type="password"></form>`)) //nolint:errcheck
	}))
	defer srv.Close()

	m := newManager(t, srv.URL, &fakeClock{now: time.Now()})

	_, err := m.Acquire(context.Background())
	var authErr *portal.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.EqualValues(t, 1, logins.Load(), "rejected credentials must not be retried")
	assert.True(t, portal.IsFatal(err))
}

// TestLoginRetriesTransientFailures verifies that server errors during
// login are retried up to the attempt budget.
func TestLoginRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var logins atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logins.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	m := newManager(t, srv.URL, &fakeClock{now: time.Now()})

	s, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.EqualValues(t, 3, logins.Load())
}

// TestStaleInvalidateIsNoOp verifies that invalidating a superseded
// session does not discard the current one.
func TestStaleInvalidateIsNoOp(t *testing.T) {
	t.Parallel()

	var logins atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	m := newManager(t, srv.URL, &fakeClock{now: time.Now()})

	stale, err := m.Acquire(context.Background())
	require.NoError(t, err)

	m.Invalidate(stale)
	fresh, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Greater(t, fresh.Generation, stale.Generation)

	// The stale handle must not tear down the fresh session.
	m.Invalidate(stale)
	again, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh.Generation, again.Generation)
	assert.EqualValues(t, 2, logins.Load())
}

func TestIsLoginPage(t *testing.T) {
	t.Parallel()

	assert.True(t, IsLoginPage([]byte(`<input name="senha">`)))
	assert.False(t, IsLoginPage([]byte(`<table><tr><td>dept</td></tr></table>`)))
}

package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/clock/system"
	"github.com/campusarchive/crawler/internal/portal"
	"github.com/campusarchive/crawler/internal/ratelimit"
	"github.com/campusarchive/crawler/internal/session"
)

// testHarness wires a dispatcher against an httptest server. The server
// treats POSTs to /login as the auth endpoint and delegates everything
// else to pageHandler.
func testHarness(t *testing.T, pageHandler http.HandlerFunc) (*Dispatcher, *atomic.Int64) {
	t.Helper()

	var logins atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		w.Write([]byte("welcome")) //nolint:errcheck
	})
	mux.HandleFunc("/", pageHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	sessions, err := session.New(session.Config{
		LoginURL:         srv.URL + "/login",
		Username:         "user",
		Password:         "secret",
		UserAgent:        "campusarchive/1.0",
		MaxLoginAttempts: 2,
	}, system.Clock{}, zap.NewNop())
	require.NoError(t, err)

	policy := portal.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSec: 0})

	d := New(portal.URLs{Root: srv.URL, Institution: "11"}, limiter, sessions, policy, system.Clock{}, zap.NewNop())
	return d, &logins
}

func courseListTarget() portal.CrawlTarget {
	return portal.CrawlTarget{Page: portal.PageCourseList, Key: "11"}
}

// TestFetchSuccess verifies the happy path: one login, one page fetch.
func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	d, logins := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=ISO-8859-1")
		w.Write([]byte("<html>courses</html>")) //nolint:errcheck
	})

	page, err := d.Fetch(context.Background(), courseListTarget())
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>courses</html>"), page.Body)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.ContentType, "ISO-8859-1")
	assert.False(t, page.FetchedAt.IsZero())
	assert.EqualValues(t, 1, logins.Load())
}

// TestFetchRetriesTransient verifies that 5xx responses are retried with
// backoff until the server recovers.
func TestFetchRetriesTransient(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	d, _ := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered")) //nolint:errcheck
	})

	page, err := d.Fetch(context.Background(), courseListTarget())
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), page.Body)
	assert.EqualValues(t, 3, hits.Load())
}

// TestFetchTransientExhaustion verifies the retry budget is bounded and
// the final error carries the attempt count.
func TestFetchTransientExhaustion(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	d, _ := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := d.Fetch(context.Background(), courseListTarget())
	var fetchErr *portal.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, portal.FetchTransient, fetchErr.Class)
	assert.Equal(t, 3, fetchErr.Attempts)
	assert.EqualValues(t, 3, hits.Load())
	assert.False(t, portal.IsTerminalFetch(err))
}

// TestFetchTerminalNotRetried verifies that a 404 fails immediately.
func TestFetchTerminalNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	d, _ := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := d.Fetch(context.Background(), courseListTarget())
	var fetchErr *portal.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, portal.FetchTerminal, fetchErr.Class)
	assert.EqualValues(t, 1, hits.Load())
	assert.True(t, portal.IsTerminalFetch(err))
}

// TestFetchRenewsOnLoginForm verifies that a page answered with the login
// form triggers a renewal and a retry that does not burn the transient
// budget.
func TestFetchRenewsOnLoginForm(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	d, logins := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Write([]byte(`<form><input name="senha"></form>`)) //nolint:errcheck
			return
		}
		w.Write([]byte("real page")) //nolint:errcheck
	})

	page, err := d.Fetch(context.Background(), courseListTarget())
	require.NoError(t, err)
	assert.Equal(t, []byte("real page"), page.Body)
	assert.EqualValues(t, 2, hits.Load())
	assert.EqualValues(t, 2, logins.Load(), "expected initial login plus one renewal")
}

// TestFetchGivesUpOnPersistentLoginForm verifies the renewal loop is
// bounded when the portal keeps serving the login form.
func TestFetchGivesUpOnPersistentLoginForm(t *testing.T) {
	t.Parallel()

	d, _ := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<input name="senha">`)) //nolint:errcheck
	})

	_, err := d.Fetch(context.Background(), courseListTarget())
	var fetchErr *portal.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, portal.FetchAuthExpired, fetchErr.Class)
}

// TestFetchMissingParam verifies that a malformed target fails before any
// network traffic.
func TestFetchMissingParam(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	d, _ := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	target := portal.CrawlTarget{Page: portal.PageClass, Key: "demo", Params: map[string]string{"year": "2024"}}
	_, err := d.Fetch(context.Background(), target)
	var fetchErr *portal.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, portal.FetchTerminal, fetchErr.Class)
	assert.EqualValues(t, 0, hits.Load())
}

// TestFetchSendsUserAgent verifies the configured identity rides on
// portal requests, not just the login POST.
func TestFetchSendsUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA string
	d, _ := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("ok")) //nolint:errcheck
	})

	_, err := d.Fetch(context.Background(), courseListTarget())
	require.NoError(t, err)
	assert.Equal(t, "campusarchive/1.0", gotUA)
}

// TestLibraryRoomsPostsAvailabilityForm verifies the availability grid is
// requested through the reservation form with a concrete date; without
// the payload the portal renders nothing.
func TestLibraryRoomsPostsAvailabilityForm(t *testing.T) {
	t.Parallel()

	var gotMethod, gotContentType, gotSubmit, gotDate string
	d, _ := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		_ = r.ParseForm()
		gotSubmit = r.PostFormValue("submit:reservas:es")
		gotDate = r.PostFormValue("data")
		w.Write([]byte("<table></table>")) //nolint:errcheck
	})

	target := portal.CrawlTarget{
		Page:   portal.PageLibraryRooms,
		Key:    "library:false",
		Params: map[string]string{"group": "false"},
	}
	_, err := d.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	assert.Equal(t, "Ver disponibilidade", gotSubmit)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}$`, gotDate)
}

// TestFileDownloadSkipsLoginDetection verifies binary bodies are never
// mistaken for the login form.
func TestFileDownloadSkipsLoginDetection(t *testing.T) {
	t.Parallel()

	payload := []byte(`binary with name="senha" inside`)
	d, _ := testHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload) //nolint:errcheck
	})

	target := portal.CrawlTarget{
		Page:   portal.PageFileDownload,
		Key:    "file:77",
		Params: map[string]string{"file": "77"},
	}
	page, err := d.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, payload, page.Body)
}

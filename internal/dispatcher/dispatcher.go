// Package dispatcher executes crawl targets against the portal: rate
// limiting, session acquisition, outcome classification and bounded
// retry with jittered backoff.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/metrics"
	"github.com/campusarchive/crawler/internal/portal"
	"github.com/campusarchive/crawler/internal/ratelimit"
	"github.com/campusarchive/crawler/internal/session"
)

// maxAuthRetries bounds consecutive session renewals for one target. The
// renewal path does not consume the transient retry budget, so without a
// bound a portal that keeps serving the login form would loop forever.
const maxAuthRetries = 3

// Dispatcher owns the fetch side of the pipeline. All outbound traffic
// flows through its limiter and the session manager's HTTP client.
type Dispatcher struct {
	urls     portal.URLs
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	policy   portal.RetryPolicy
	clock    portal.Clock
	logger   *zap.Logger
}

// New wires a Dispatcher. The session manager supplies the cookie-backed
// HTTP client so fetches share the portal login.
func New(urls portal.URLs, limiter *ratelimit.Limiter, sessions *session.Manager, policy portal.RetryPolicy, clock portal.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		urls:     urls,
		limiter:  limiter,
		sessions: sessions,
		policy:   policy,
		clock:    clock,
		logger:   logger,
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTransient
	outcomeTerminal
	outcomeAuthExpired
)

// Fetch retrieves the page behind target, retrying transient failures up
// to the policy budget. Session renewals are transparent to the caller
// and do not consume that budget. Fatal auth failures propagate as
// *portal.AuthError.
func (d *Dispatcher) Fetch(ctx context.Context, target portal.CrawlTarget) (portal.RawPage, error) {
	addr, method, err := d.targetURL(target)
	if err != nil {
		return portal.RawPage{}, &portal.FetchError{Class: portal.FetchTerminal, Target: target, Attempts: 0, Err: err}
	}

	start := time.Now()
	attempts := 0
	authRetries := 0
	var lastErr error

	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return portal.RawPage{}, err
		}
		sess, err := d.sessions.Acquire(ctx)
		if err != nil {
			return portal.RawPage{}, err
		}

		attempts++
		page, out, err := d.do(ctx, method, addr, target)
		switch out {
		case outcomeSuccess:
			metrics.ObserveFetch(string(target.Page), "success", time.Since(start))
			return page, nil

		case outcomeAuthExpired:
			authRetries++
			if authRetries > maxAuthRetries {
				metrics.ObserveFetch(string(target.Page), "auth_expired", time.Since(start))
				return portal.RawPage{}, &portal.FetchError{
					Class:    portal.FetchAuthExpired,
					Target:   target,
					Attempts: attempts,
					Err:      fmt.Errorf("login form served %d times in a row", authRetries),
				}
			}
			d.logger.Debug("session expired, renewing",
				zap.String("target", target.ID()), zap.Int("renewals", authRetries))
			d.sessions.Invalidate(sess)
			if _, err := d.sessions.Renew(ctx); err != nil {
				return portal.RawPage{}, err
			}
			// Renewal does not count against the transient budget.
			attempts--

		case outcomeTransient:
			lastErr = err
			if ctx.Err() != nil {
				return portal.RawPage{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
			}
			if !d.policy.ShouldRetry(attempts) {
				metrics.ObserveFetch(string(target.Page), "transient", time.Since(start))
				return portal.RawPage{}, &portal.FetchError{
					Class:    portal.FetchTransient,
					Target:   target,
					Attempts: attempts,
					Err:      lastErr,
				}
			}
			delay := d.policy.Backoff(attempts)
			d.logger.Debug("transient fetch failure, backing off",
				zap.String("target", target.ID()),
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
				zap.Error(err))
			if err := sleep(ctx, delay); err != nil {
				return portal.RawPage{}, err
			}

		case outcomeTerminal:
			metrics.ObserveFetch(string(target.Page), "terminal", time.Since(start))
			return portal.RawPage{}, &portal.FetchError{
				Class:    portal.FetchTerminal,
				Target:   target,
				Attempts: attempts,
				Err:      err,
			}
		}
	}
}

// do performs one HTTP round trip and classifies the result.
func (d *Dispatcher) do(ctx context.Context, method, addr string, target portal.CrawlTarget) (portal.RawPage, outcome, error) {
	var reqBody io.Reader
	if form := d.formBody(target); form != "" {
		reqBody = strings.NewReader(form)
	}
	req, err := http.NewRequestWithContext(ctx, method, addr, reqBody)
	if err != nil {
		return portal.RawPage{}, outcomeTerminal, fmt.Errorf("build request: %w", err)
	}
	if ua := d.sessions.UserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := d.sessions.Client().Do(req)
	if err != nil {
		return portal.RawPage{}, outcomeTransient, fmt.Errorf("round trip: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return portal.RawPage{}, outcomeTransient, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return portal.RawPage{}, outcomeTransient, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return portal.RawPage{}, outcomeAuthExpired, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return portal.RawPage{}, outcomeTerminal, fmt.Errorf("status %d", resp.StatusCode)
	}

	// File downloads are opaque bytes; everything else is HTML that may
	// turn out to be the login form served with status 200.
	if target.Page != portal.PageFileDownload && session.IsLoginPage(body) {
		return portal.RawPage{}, outcomeAuthExpired, fmt.Errorf("login form in response")
	}

	return portal.RawPage{
		Target:      target,
		Body:        body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   d.clock.Now(),
	}, outcomeSuccess, nil
}

// formBody builds the urlencoded payload for POSTed page kinds. The
// library availability page only renders its grid when asked for a
// concrete date through the reservation form's submit control.
func (d *Dispatcher) formBody(target portal.CrawlTarget) string {
	if target.Page != portal.PageLibraryRooms {
		return ""
	}
	form := url.Values{
		"submit:reservas:es": {"Ver disponibilidade"},
		"data":               {d.clock.Now().Format("2006-01-02")},
	}
	return form.Encode()
}

// targetURL maps a crawl target onto the portal's address space.
func (d *Dispatcher) targetURL(t portal.CrawlTarget) (addr string, method string, err error) {
	p := t.Params
	method = http.MethodGet
	switch t.Page {
	case portal.PageDepartmentList:
		addr = d.urls.DepartmentList(p["year"])
	case portal.PageDepartmentClasses:
		addr = d.urls.DepartmentClasses(p["department"], p["year"], p["period"], p["period_type"])
	case portal.PageDepartmentTeachers:
		addr = d.urls.DepartmentTeachers(p["department"], p["year"], p["period"], p["period_type"])
	case portal.PageCourseList:
		addr = d.urls.CourseList()
	case portal.PageCourseStatistics:
		addr = d.urls.CourseStatistics(p["degree"])
	case portal.PageClass:
		addr = d.urls.Class(p["class"], p["department"], p["year"], p["period"], p["period_type"])
	case portal.PageClassRoster:
		addr = d.urls.ClassRoster(p["class"], p["department"], p["year"], p["period"], p["period_type"])
	case portal.PageClassGrades:
		addr = d.urls.ClassGrades(p["class"], p["department"], p["year"], p["period"], p["period_type"])
	case portal.PageClassFiles:
		addr = d.urls.ClassFiles(p["class"], p["department"], p["year"], p["period"], p["period_type"])
	case portal.PageBuildingList:
		addr = d.urls.BuildingList(p["year"], p["period"], p["period_type"])
	case portal.PageBuildingSchedule:
		addr = d.urls.BuildingSchedule(p["building"], p["year"], p["period"], p["period_type"], p["weekday"])
	case portal.PageAdmissionIndex:
		addr = d.urls.AdmissionIndex(p["year"])
	case portal.PageAdmittedList:
		addr = d.urls.AdmittedList(p["course"], p["year"], p["phase"])
	case portal.PageLibraryRooms:
		addr = d.urls.LibraryRooms(p["group"] == "true")
		method = http.MethodPost
	case portal.PageFileDownload:
		addr = d.urls.FileDownload(p["file"])
	default:
		return "", "", fmt.Errorf("no address for page kind %q", t.Page)
	}
	if missing := missingParams(t); missing != "" {
		return "", "", fmt.Errorf("target %s missing parameter %q", t.ID(), missing)
	}
	return addr, method, nil
}

// requiredParams lists the parameters each page kind cannot build its
// address without.
var requiredParams = map[portal.PageKind][]string{
	portal.PageDepartmentList:     {"year"},
	portal.PageDepartmentClasses:  {"department", "year", "period", "period_type"},
	portal.PageDepartmentTeachers: {"department", "year", "period", "period_type"},
	portal.PageCourseStatistics:   {"degree"},
	portal.PageClass:              {"class", "department", "year", "period", "period_type"},
	portal.PageClassRoster:        {"class", "department", "year", "period", "period_type"},
	portal.PageClassGrades:        {"class", "department", "year", "period", "period_type"},
	portal.PageClassFiles:         {"class", "department", "year", "period", "period_type"},
	portal.PageBuildingList:       {"year", "period", "period_type"},
	portal.PageBuildingSchedule:   {"building", "year", "period", "period_type", "weekday"},
	portal.PageAdmissionIndex:     {"year"},
	portal.PageAdmittedList:       {"course", "year", "phase"},
	portal.PageFileDownload:       {"file"},
}

func missingParams(t portal.CrawlTarget) string {
	for _, name := range requiredParams[t.Page] {
		if strings.TrimSpace(t.Params[name]) == "" {
			return name
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}

package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/clock/system"
	"github.com/campusarchive/crawler/internal/filestore"
	"github.com/campusarchive/crawler/internal/parse"
	"github.com/campusarchive/crawler/internal/portal"
	"github.com/campusarchive/crawler/internal/resolve"
	"github.com/campusarchive/crawler/internal/store"
	"github.com/campusarchive/crawler/internal/store/memory"
)

// fakeFetcher serves canned bodies by page kind and fails everything
// else terminally. It counts fetches per target.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[portal.PageKind]string
	errs  map[portal.PageKind]error
	calls map[string]int
}

func newFakeFetcher(pages map[portal.PageKind]string) *fakeFetcher {
	return &fakeFetcher{pages: pages, errs: map[portal.PageKind]error{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, target portal.CrawlTarget) (portal.RawPage, error) {
	f.mu.Lock()
	f.calls[target.ID()]++
	body, ok := f.pages[target.Page]
	err := f.errs[target.Page]
	f.mu.Unlock()

	if err != nil {
		return portal.RawPage{}, err
	}
	if !ok {
		return portal.RawPage{}, &portal.FetchError{
			Class:    portal.FetchTerminal,
			Target:   target,
			Attempts: 1,
			Err:      errors.New("page not in fixture"),
		}
	}
	contentType := "text/html; charset=utf-8"
	if target.Page == portal.PageClassRoster {
		contentType = "text/plain; charset=utf-8"
	}
	return portal.RawPage{
		Target:      target,
		Body:        []byte(body),
		StatusCode:  200,
		ContentType: contentType,
		FetchedAt:   time.Now(),
	}, nil
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// portalFixture is a minimal but fully linked portal: one department,
// one class with roster/grades/files, one course, one building with one
// room, one admission phase with candidates and the library grid.
var portalFixture = map[portal.PageKind]string{
	portal.PageDepartmentList:     `<a href="p?sector=98021">Departamento de Informática</a>`,
	portal.PageDepartmentClasses:  `<a href="p?unidade_curricular=11504">Analise I</a>`,
	portal.PageDepartmentTeachers: `<a href="p?docente=401">Ana Silva</a><a href="x">Ficheiro</a>`,
	portal.PageCourseList:         `<a href="p?curso=151">Engenharia Informática</a>`,
	portal.PageCourseStatistics:   `<a href="p?curso=151">MIEI</a>`,
	portal.PageClass: `<table><tr><th>Nome</th><td>Análise Matemática I</td></tr>` +
		`<tr><th>Créditos ECTS</th><td>6 ECTS</td></tr></table>`,
	portal.PageClassRoster: "h\nh\nh\nh\n\tMaria Santos\t50001\tMS\tMIEI\t1º\t2º\n",
	portal.PageClassGrades: `<table><tr><th>N</th><th>Nome</th><th>Nota</th><th>R</th></tr>` +
		`<tr><td>50001</td><td>Maria Santos</td><td>15</td><td>Aprovado</td></tr></table>`,
	portal.PageClassFiles:      `<table><tr><td><a href="/objecto?oid=31337">slides.pdf</a></td><td>1MB</td><td>2024-02-10</td><td>Ana Silva</td></tr></table>`,
	portal.PageFileDownload:    "%PDF-1.4 fake attachment bytes",
	portal.PageBuildingList:    `<a href="p?edif%EDcio=1433">Edifício II</a>`,
	portal.PageBuildingSchedule: `<a href="p?espa%E7o=211">Anfiteatro Ed 2: 1A</a>`,
	portal.PageAdmissionIndex:  `<a href="p?curso=151">Engenharia Informática</a>`,
	portal.PageAdmittedList: `<table><tr><th colspan="8" bgcolor="#95AEA8">Colocados</th></tr>` +
		`<tr><td>Rui Costa</td><td>x</td><td>x</td><td>x</td><td>1</td><td>50002</td><td>Matriculado</td></tr></table>`,
	portal.PageLibraryRooms: `<table><tr><td>Sala 1.05</td><td>Livre</td><td>Ocupada</td></tr></table>`,
}

func newCoordinator(t *testing.T, fetcher portal.Fetcher, st store.Store) *Coordinator {
	t.Helper()
	logger := zap.NewNop()
	blobs, err := filestore.New(t.TempDir(), st, logger)
	require.NoError(t, err)
	return New(fetcher, parse.NewRegistry(logger), resolve.New(st, logger), blobs, st, system.Clock{}, logger)
}

func waitDone(t *testing.T, handle *PassHandle) PassStatus {
	t.Helper()
	select {
	case <-handle.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("pass did not settle")
	}
	return handle.Status()
}

func passConfig() Config {
	return Config{Workers: 4, CommitBatchSize: 8, FirstYear: 2024, LastYear: 2024}
}

// TestPassIngestsLinkedPortal drives a full pass over the fixture portal
// and checks the reconciled entities end to end.
func TestPassIngestsLinkedPortal(t *testing.T) {
	t.Parallel()

	st := memory.New()
	c := newCoordinator(t, newFakeFetcher(portalFixture), st)

	handle, err := c.Start(context.Background(), passConfig())
	require.NoError(t, err)
	status := waitDone(t, handle)

	assert.Equal(t, StateDone, status.State)
	assert.NoError(t, handle.Err())
	assert.Empty(t, status.Failures)
	assert.Greater(t, status.Completed, 20)
	assert.False(t, status.LastCheckpoint.IsZero())

	ctx := context.Background()
	entity := func(kind portal.EntityKind, key portal.NaturalKey) portal.ReconciledEntity {
		id, ok, err := st.FindID(ctx, kind, key)
		require.NoError(t, err)
		require.True(t, ok, "missing %s %s", kind, key)
		e, ok, err := st.GetEntity(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "uncommitted %s %s", kind, key)
		return e
	}

	dept := entity(portal.KindDepartment, "98021")
	assert.Equal(t, "Departamento de Informática", dept.Fields["name"].Value)

	// The class page outranks the listing name.
	class := entity(portal.KindClass, "11504")
	assert.Equal(t, "Análise Matemática I", class.Fields["name"].Value)
	assert.Equal(t, 6, class.Fields["ects"].Value)
	assert.Equal(t, dept.ID, class.Refs["department"])

	course := entity(portal.KindCourse, "151")
	assert.Equal(t, "Engenharia Informática", course.Fields["name"].Value)
	assert.Equal(t, "MIEI", course.Fields["abbreviation"].Value)

	student := entity(portal.KindStudent, "50001")
	assert.Equal(t, "Maria Santos", student.Fields["name"].Value)

	enrollment := entity(portal.KindEnrollment, "11504:2024:s:1:50001")
	assert.Equal(t, student.ID, enrollment.Refs["student"])
	assert.Equal(t, 15, enrollment.Fields["grade"].Value)
	assert.Equal(t, true, enrollment.Fields["approved"].Value)

	room := entity(portal.KindRoom, "211")
	assert.Equal(t, portal.RoomAuditorium, room.Fields["type"].Value)
	building := entity(portal.KindBuilding, "1433")
	assert.Equal(t, building.ID, room.Refs["building"])

	admission := entity(portal.KindAdmission, portal.ComposeKey("151", "2024", "1", "Rui Costa"))
	assert.Equal(t, "Matriculado", admission.Fields["state"].Value)
	assert.Equal(t, course.ID, admission.Refs["course"])

	library := entity(portal.KindLibraryRoom, portal.ComposeKey("individual", "Sala 1.05"))
	assert.Equal(t, 1, library.Fields["available_slots"].Value)

	file := entity(portal.KindFile, "31337")
	assert.Equal(t, "slides.pdf", file.Fields["name"].Value)
	hash, ok := file.Fields["hash"].Value.(string)
	require.True(t, ok, "downloaded file must carry its content hash")
	assert.Len(t, hash, 64)
}

// TestPassIsIdempotent verifies a second full pass changes nothing:
// same surrogates, same field values.
func TestPassIsIdempotent(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()

	c1 := newCoordinator(t, newFakeFetcher(portalFixture), st)
	first, err := c1.Start(ctx, passConfig())
	require.NoError(t, err)
	require.Equal(t, StateDone, waitDone(t, first).State)

	deptID, _, err := st.FindID(ctx, portal.KindDepartment, "98021")
	require.NoError(t, err)

	c2 := newCoordinator(t, newFakeFetcher(portalFixture), st)
	second, err := c2.Start(ctx, passConfig())
	require.NoError(t, err)
	require.Equal(t, StateDone, waitDone(t, second).State)

	deptIDAgain, _, err := st.FindID(ctx, portal.KindDepartment, "98021")
	require.NoError(t, err)
	assert.Equal(t, deptID, deptIDAgain, "surrogates must survive re-ingest")

	e, _, err := st.GetEntity(ctx, deptID)
	require.NoError(t, err)
	assert.Equal(t, "Departamento de Informática", e.Fields["name"].Value)
}

// TestResumeSkipsCompletedTargets verifies a resumed pass refetches
// nothing that the checkpoint already covers.
func TestResumeSkipsCompletedTargets(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()

	c1 := newCoordinator(t, newFakeFetcher(portalFixture), st)
	first, err := c1.Start(ctx, passConfig())
	require.NoError(t, err)
	status := waitDone(t, first)
	require.Equal(t, StateDone, status.State)

	refetch := newFakeFetcher(portalFixture)
	c2 := newCoordinator(t, refetch, st)
	resumed, err := c2.Resume(ctx, passConfig(), first.ID())
	require.NoError(t, err)
	resumedStatus := waitDone(t, resumed)

	assert.Equal(t, StateDone, resumedStatus.State)
	assert.Equal(t, 0, refetch.totalCalls(), "all seeds were already checkpointed")
	assert.Equal(t, status.Completed, resumedStatus.Completed)
}

// TestResumeUnknownPass verifies resuming without a checkpoint fails.
func TestResumeUnknownPass(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, newFakeFetcher(nil), memory.New())
	_, err := c.Resume(context.Background(), passConfig(), "no-such-pass")
	require.Error(t, err)
}

// TestAuthFailureIsFatal verifies a credential rejection aborts the
// whole pass instead of accumulating per-target failures.
func TestAuthFailureIsFatal(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[portal.PageKind]string{})
	fetcher.errs[portal.PageCourseList] = &portal.AuthError{Attempts: 3, Err: errors.New("credentials rejected")}
	fetcher.errs[portal.PageDepartmentList] = &portal.AuthError{Attempts: 3, Err: errors.New("credentials rejected")}

	c := newCoordinator(t, fetcher, memory.New())
	handle, err := c.Start(context.Background(), passConfig())
	require.NoError(t, err)
	status := waitDone(t, handle)

	assert.Equal(t, StateFailed, status.State)
	var authErr *portal.AuthError
	assert.ErrorAs(t, handle.Err(), &authErr)
}

// TestTerminalFailuresAreReportedNotRetried verifies a Done pass carries
// its failure set and terminal targets burn no retry rounds.
func TestTerminalFailuresAreReportedNotRetried(t *testing.T) {
	t.Parallel()

	// Only the course list resolves; everything else 404s.
	fetcher := newFakeFetcher(map[portal.PageKind]string{
		portal.PageCourseList: portalFixture[portal.PageCourseList],
	})
	cfg := passConfig()
	cfg.FailurePasses = 2

	c := newCoordinator(t, fetcher, memory.New())
	handle, err := c.Start(context.Background(), cfg)
	require.NoError(t, err)
	status := waitDone(t, handle)

	assert.Equal(t, StateDone, status.State)
	assert.NotEmpty(t, status.Failures)
	for _, failure := range status.Failures {
		assert.False(t, failure.Retriable)
	}
	// Terminal targets are fetched exactly once despite the retry budget.
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	for target, calls := range fetcher.calls {
		assert.Equal(t, 1, calls, target)
	}
}

// flappingFetcher answers every target with a transient failure and
// counts the attempts it sees.
type flappingFetcher struct {
	calls atomic.Int64
}

func (f *flappingFetcher) Fetch(_ context.Context, target portal.CrawlTarget) (portal.RawPage, error) {
	f.calls.Add(1)
	return portal.RawPage{}, &portal.FetchError{
		Class:    portal.FetchTransient,
		Target:   target,
		Attempts: 3,
		Err:      errors.New("upstream flapping"),
	}
}

// TestExhaustedRetryRoundsKeepFailuresReported verifies a pass that runs
// out of retry rounds still settles Done with every outstanding failure
// in its status instead of requeueing them into the void.
func TestExhaustedRetryRoundsKeepFailuresReported(t *testing.T) {
	t.Parallel()

	fetcher := &flappingFetcher{}
	cfg := passConfig()
	cfg.FailurePasses = 1

	c := newCoordinator(t, fetcher, memory.New())
	handle, err := c.Start(context.Background(), cfg)
	require.NoError(t, err)
	status := waitDone(t, handle)

	assert.Equal(t, StateDone, status.State)
	assert.NoError(t, handle.Err())
	assert.Zero(t, status.Completed)
	assert.Equal(t, 0, status.Remaining)
	seeds := len(seedTargets(cfg))
	assert.Len(t, status.Failures, seeds)
	for _, failure := range status.Failures {
		assert.True(t, failure.Retriable)
	}
	// One retry round ran, then the last round's failures survived.
	assert.EqualValues(t, 2*seeds, fetcher.calls.Load())
}

// TestStopFlushesCheckpoint verifies cooperative cancellation settles in
// Stopped with a checkpoint covering the completed prefix.
func TestStopFlushesCheckpoint(t *testing.T) {
	t.Parallel()

	fetcher := &slowFetcher{inner: newFakeFetcher(portalFixture)}

	st := memory.New()
	c := newCoordinator(t, fetcher, st)
	handle, err := c.Start(context.Background(), passConfig())
	require.NoError(t, err)

	// Let the pass make some progress, then stop it.
	time.Sleep(120 * time.Millisecond)
	handle.Stop()
	status := waitDone(t, handle)

	assert.Equal(t, StateStopped, status.State)
	if status.Completed > 0 {
		cp, ok, err := st.LoadCheckpoint(context.Background(), handle.ID())
		require.NoError(t, err)
		require.True(t, ok, "stop must flush a final checkpoint")
		assert.Len(t, cp.Completed, status.Completed)
	}
}

// slowFetcher delays every fetch so a Stop lands mid-pass.
type slowFetcher struct {
	inner *fakeFetcher
}

func (s *slowFetcher) Fetch(ctx context.Context, target portal.CrawlTarget) (portal.RawPage, error) {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return portal.RawPage{}, &portal.FetchError{
			Class: portal.FetchTransient, Target: target, Attempts: 1, Err: ctx.Err(),
		}
	}
	return s.inner.Fetch(ctx, target)
}

// flakyStore fails the first commit to exercise the single-retry path.
type flakyStore struct {
	*memory.Store
	mu     sync.Mutex
	failed bool
}

func (f *flakyStore) CommitBatch(ctx context.Context, entities []portal.ReconciledEntity, cp portal.Checkpoint) error {
	f.mu.Lock()
	first := !f.failed
	f.failed = true
	f.mu.Unlock()
	if first {
		return errors.New("transient commit failure")
	}
	return f.Store.CommitBatch(ctx, entities, cp)
}

// TestCommitRetriesOnce verifies one commit failure is absorbed.
func TestCommitRetriesOnce(t *testing.T) {
	t.Parallel()

	st := &flakyStore{Store: memory.New()}
	c := newCoordinator(t, newFakeFetcher(portalFixture), st)

	handle, err := c.Start(context.Background(), passConfig())
	require.NoError(t, err)
	status := waitDone(t, handle)

	assert.Equal(t, StateDone, status.State)
	assert.NoError(t, handle.Err())

	_, ok, err := st.LoadCheckpoint(context.Background(), handle.ID())
	require.NoError(t, err)
	assert.True(t, ok)
}

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/campusarchive/crawler/internal/metrics"
	"github.com/campusarchive/crawler/internal/portal"
)

// PassState is the lifecycle position of a crawl pass.
type PassState string

// Pass lifecycle states.
const (
	StateIdle         PassState = "idle"
	StateTraversing   PassState = "traversing"
	StateCommitting   PassState = "committing"
	StateCheckpointed PassState = "checkpointed"
	StateDone         PassState = "done"
	StateStopped      PassState = "stopped"
	StateFailed       PassState = "failed"
)

// TargetFailure records one target the pass could not ingest.
type TargetFailure struct {
	Target    string `json:"target"`
	Reason    string `json:"reason"`
	Retriable bool   `json:"retriable"`
}

// PassStatus is a point-in-time snapshot of a running or finished pass.
type PassStatus struct {
	ID             string          `json:"id"`
	State          PassState       `json:"state"`
	Remaining      int             `json:"remaining"`
	Completed      int             `json:"completed"`
	Failures       []TargetFailure `json:"failures,omitempty"`
	HeldRecords    int             `json:"held_records"`
	LastCheckpoint time.Time       `json:"last_checkpoint,omitzero"`
	Error          string          `json:"error,omitempty"`
}

// PassHandle is the control surface of one pass.
type PassHandle struct {
	p *pass
}

// ID returns the pass identifier used for checkpoints.
func (h *PassHandle) ID() string { return h.p.id }

// Status snapshots the pass.
func (h *PassHandle) Status() PassStatus { return h.p.status() }

// Stop requests cooperative cancellation: in-flight work drains and a
// final checkpoint is flushed before the pass settles.
func (h *PassHandle) Stop() { h.p.cancel() }

// Done is closed when the pass has settled.
func (h *PassHandle) Done() <-chan struct{} { return h.p.done }

// Err returns the fatal error of a failed pass, if any.
func (h *PassHandle) Err() error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return h.p.fatalErr
}

type workResult struct {
	target     portal.CrawlTarget
	entities   []portal.ReconciledEntity
	discovered []portal.CrawlTarget
	err        error
}

type pass struct {
	c      *Coordinator
	cfg    Config
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	handle PassHandle

	mu             sync.Mutex
	state          PassState
	queue          []portal.CrawlTarget
	seen           map[string]struct{}
	completed      []string
	uncommitted    int
	failures       map[string]TargetFailure
	failedTargets  map[string]portal.CrawlTarget
	pending        []portal.ReconciledEntity
	lastCheckpoint time.Time
	fatalErr       error
}

func newPass(c *Coordinator, cfg Config, id string, alreadyCompleted map[string]struct{}) *pass {
	p := &pass{
		c:             c,
		cfg:           cfg,
		id:            id,
		done:          make(chan struct{}),
		state:         StateIdle,
		seen:          make(map[string]struct{}, len(alreadyCompleted)),
		failures:      make(map[string]TargetFailure),
		failedTargets: make(map[string]portal.CrawlTarget),
	}
	// Targets completed before a resume stay out of the frontier.
	for id := range alreadyCompleted {
		p.seen[id] = struct{}{}
		p.completed = append(p.completed, id)
	}
	p.handle = PassHandle{p: p}
	return p
}

func (p *pass) status() PassStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PassStatus{
		ID:             p.id,
		State:          p.state,
		Remaining:      len(p.queue),
		Completed:      len(p.completed),
		HeldRecords:    p.c.resolver.Held(),
		LastCheckpoint: p.lastCheckpoint,
	}
	for _, f := range p.failures {
		st.Failures = append(st.Failures, f)
	}
	if p.fatalErr != nil {
		st.Error = p.fatalErr.Error()
	}
	return st
}

func (p *pass) enqueueSeeds(seeds []portal.CrawlTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(seeds)
}

// enqueueLocked adds targets the pass has not seen yet.
func (p *pass) enqueueLocked(targets []portal.CrawlTarget) {
	for _, t := range targets {
		id := t.ID()
		if _, ok := p.seen[id]; ok {
			continue
		}
		p.seen[id] = struct{}{}
		p.queue = append(p.queue, t)
	}
}

// run owns the pass from launch to settlement. It is the only goroutine
// that commits, so batch and checkpoint writes are naturally serialized.
func (p *pass) run(ctx context.Context) {
	defer close(p.done)
	p.setState(StateTraversing)

	work := make(chan portal.CrawlTarget, p.cfg.QueueDepth)
	results := make(chan workResult)
	var pool errgroup.Group
	for i := 0; i < p.cfg.Workers; i++ {
		pool.Go(func() error {
			p.worker(ctx, work, results)
			return nil
		})
	}

	canceled := false
	for round := 0; ; round++ {
		canceled = p.schedule(ctx, work, results)
		if canceled || p.fatal() != nil {
			break
		}
		// Out of retry rounds: leave the failure set intact so the
		// settled status reports it.
		if round >= p.cfg.FailurePasses {
			break
		}
		retry := p.takeRetriableFailures()
		if len(retry) == 0 {
			break
		}
		p.c.logger.Info("retrying failed targets",
			zap.String("pass", p.id),
			zap.Int("round", round+1),
			zap.Int("targets", len(retry)))
	}

	close(work)
	_ = pool.Wait()

	p.flush(ctx)
	p.settle(canceled)
}

// schedule pumps the frontier into the worker pool until it drains, the
// context is canceled or a fatal error arrives. Reports cancellation.
func (p *pass) schedule(ctx context.Context, work chan<- portal.CrawlTarget, results <-chan workResult) bool {
	inflight := 0
	draining := false
	ctxDone := ctx.Done()
	for {
		var sendCh chan<- portal.CrawlTarget
		var next portal.CrawlTarget
		p.mu.Lock()
		if !draining && len(p.queue) > 0 {
			next = p.queue[0]
			sendCh = work
		}
		queued := len(p.queue)
		p.mu.Unlock()
		metrics.SetTargetsRemaining(queued + inflight)

		if sendCh == nil && inflight == 0 {
			return draining
		}

		select {
		case sendCh <- next:
			p.mu.Lock()
			p.queue = p.queue[1:]
			p.mu.Unlock()
			inflight++
		case res := <-results:
			inflight--
			p.handleResult(ctx, res)
			if p.fatal() != nil {
				draining = true
			}
		case <-ctxDone:
			ctxDone = nil
			draining = true
		}
	}
}

func (p *pass) worker(ctx context.Context, work <-chan portal.CrawlTarget, results chan<- workResult) {
	for target := range work {
		metrics.IncActiveWorkers()
		res := p.process(ctx, target)
		metrics.DecActiveWorkers()
		results <- res
	}
}

// process runs one target through fetch, parse and resolve.
func (p *pass) process(ctx context.Context, target portal.CrawlTarget) workResult {
	page, err := p.c.fetcher.Fetch(ctx, target)
	if err != nil {
		return workResult{target: target, err: err}
	}

	if target.Page == portal.PageFileDownload {
		return p.ingestFile(ctx, target, page)
	}

	result, err := p.c.registry.Parse(page)
	if err != nil {
		p.archiveFailedPage(target, page)
		return workResult{target: target, err: err}
	}

	var entities []portal.ReconciledEntity
	for _, record := range result.Records {
		ready, err := p.c.resolver.Apply(ctx, record)
		if err != nil {
			return workResult{target: target, err: err}
		}
		entities = append(entities, ready...)
	}
	return workResult{target: target, entities: entities, discovered: result.Discovered}
}

// ingestFile stores the downloaded body content-addressed and records
// the hash on the file entity.
func (p *pass) ingestFile(ctx context.Context, target portal.CrawlTarget, page portal.RawPage) workResult {
	hash, err := p.c.blobs.Store(ctx, page.Body)
	if err != nil {
		return workResult{target: target, err: fmt.Errorf("store attachment: %w", err)}
	}
	record := portal.StructuredRecord{
		Kind: portal.KindFile,
		Key:  target.Key,
		Fields: map[string]portal.FieldValue{
			"hash":         {Value: hash, Source: target.Page, ObservedAt: page.FetchedAt},
			"bytes":        {Value: int64(len(page.Body)), Source: target.Page, ObservedAt: page.FetchedAt},
			"content_type": {Value: page.ContentType, Source: target.Page, ObservedAt: page.FetchedAt},
		},
	}
	entities, err := p.c.resolver.Apply(ctx, record)
	if err != nil {
		return workResult{target: target, err: err}
	}
	return workResult{target: target, entities: entities}
}

func (p *pass) handleResult(ctx context.Context, res workResult) {
	id := res.target.ID()
	if res.err != nil {
		if portal.IsFatal(res.err) {
			p.setFatal(res.err)
			return
		}
		p.mu.Lock()
		p.failures[id] = TargetFailure{
			Target:    id,
			Reason:    res.err.Error(),
			Retriable: !portal.IsTerminalFetch(res.err),
		}
		p.failedTargets[id] = res.target
		p.mu.Unlock()
		p.c.logger.Warn("target failed",
			zap.String("pass", p.id),
			zap.String("target", id),
			zap.Error(res.err))
		return
	}

	p.mu.Lock()
	delete(p.failures, id)
	delete(p.failedTargets, id)
	p.completed = append(p.completed, id)
	p.uncommitted++
	p.pending = append(p.pending, res.entities...)
	p.enqueueLocked(res.discovered)
	shouldCommit := len(p.pending) >= p.cfg.CommitBatchSize
	p.mu.Unlock()

	if shouldCommit {
		p.commit(ctx)
		if p.fatal() == nil {
			p.setState(StateTraversing)
		}
	}
}

// commit writes the pending batch and the checkpoint in one store
// transaction. A failed commit is retried once with the same payload; a
// second failure is fatal and the previous checkpoint stays in force.
func (p *pass) commit(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 && p.uncommitted == 0 {
		p.mu.Unlock()
		return
	}
	entities := p.pending
	p.pending = nil
	p.uncommitted = 0
	checkpoint := portal.Checkpoint{
		PassID:    p.id,
		Completed: append([]string(nil), p.completed...),
		UpdatedAt: p.c.clock.Now(),
	}
	p.state = StateCommitting
	p.mu.Unlock()

	err := p.c.store.CommitBatch(ctx, entities, checkpoint)
	if err != nil {
		p.c.logger.Warn("commit failed, retrying batch",
			zap.String("pass", p.id),
			zap.Int("entities", len(entities)),
			zap.Error(err))
		metrics.ObserveCommit("retried")
		err = p.c.store.CommitBatch(ctx, entities, checkpoint)
	}
	if err != nil {
		metrics.ObserveCommit("failed")
		p.setFatal(fmt.Errorf("commit batch of %d: %w", len(entities), err))
		return
	}
	metrics.ObserveCommit("ok")

	p.mu.Lock()
	p.lastCheckpoint = checkpoint.UpdatedAt
	if p.fatalErr == nil {
		p.state = StateCheckpointed
	}
	p.mu.Unlock()
	p.c.logger.Debug("checkpoint written",
		zap.String("pass", p.id),
		zap.Int("entities", len(entities)),
		zap.Int("completed", len(checkpoint.Completed)))
}

// flush forces the final commit. When the pass context is gone a short
// independent deadline keeps the last checkpoint from being lost.
func (p *pass) flush(ctx context.Context) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
	}
	p.commit(ctx)
}

// takeRetriableFailures removes and returns the failures worth another
// round, re-queueing them.
func (p *pass) takeRetriableFailures() []portal.CrawlTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	var retry []portal.CrawlTarget
	for id, failure := range p.failures {
		if !failure.Retriable {
			continue
		}
		delete(p.failures, id)
		delete(p.seen, id)
		retry = append(retry, p.failedTargets[id])
		delete(p.failedTargets, id)
	}
	p.enqueueLocked(retry)
	return retry
}

func (p *pass) setState(s PassState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *pass) setFatal(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
}

func (p *pass) fatal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

func (p *pass) settle(canceled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.fatalErr != nil:
		p.state = StateFailed
	case canceled:
		p.state = StateStopped
	default:
		// Finishing with a reported failure set is still Done.
		p.state = StateDone
	}
	metrics.SetTargetsRemaining(0)
	p.c.logger.Info("pass settled",
		zap.String("pass", p.id),
		zap.String("state", string(p.state)),
		zap.Int("completed", len(p.completed)),
		zap.Int("failures", len(p.failures)))
}

// archiveFailedPage keeps the raw body of an unparseable page for
// offline diagnosis.
func (p *pass) archiveFailedPage(target portal.CrawlTarget, page portal.RawPage) {
	if p.cfg.FailedPageDir == "" {
		return
	}
	if err := os.MkdirAll(p.cfg.FailedPageDir, 0o755); err != nil {
		p.c.logger.Warn("cannot create failed-page dir", zap.Error(err))
		return
	}
	digest := sha256.Sum256([]byte(target.ID()))
	name := hex.EncodeToString(digest[:8]) + ".html"
	path := filepath.Join(p.cfg.FailedPageDir, name)
	if err := os.WriteFile(path, page.Body, 0o644); err != nil {
		p.c.logger.Warn("cannot archive failed page",
			zap.String("target", target.ID()),
			zap.Error(err))
		return
	}
	p.c.logger.Info("archived unparseable page",
		zap.String("target", target.ID()),
		zap.String("path", path))
}

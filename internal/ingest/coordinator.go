// Package ingest drives crawl passes: it seeds the frontier, fans
// targets out to a bounded worker pool, feeds completions through the
// resolver into batched store commits and checkpoints progress so a
// pass can resume after interruption.
package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/filestore"
	"github.com/campusarchive/crawler/internal/parse"
	"github.com/campusarchive/crawler/internal/portal"
	"github.com/campusarchive/crawler/internal/resolve"
	"github.com/campusarchive/crawler/internal/store"
)

// Config bounds a crawl pass.
type Config struct {
	Workers         int
	CommitBatchSize int
	FailurePasses   int
	// QueueDepth buffers the hand-off from the scheduler to the
	// workers; zero means unbuffered.
	QueueDepth int
	FirstYear  int
	LastYear   int
	// FailedPageDir archives the raw body of pages that failed to
	// parse. Empty disables archiving.
	FailedPageDir string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CommitBatchSize <= 0 {
		c.CommitBatchSize = 64
	}
	if c.FailurePasses < 0 {
		c.FailurePasses = 0
	}
	if c.QueueDepth < 0 {
		c.QueueDepth = 0
	}
	return c
}

// Coordinator wires the pipeline stages together. One coordinator can
// run one pass at a time.
type Coordinator struct {
	fetcher  portal.Fetcher
	registry *parse.Registry
	resolver *resolve.Resolver
	blobs    *filestore.Store
	store    store.Store
	clock    portal.Clock
	logger   *zap.Logger
}

// New builds a Coordinator over the given pipeline stages.
func New(fetcher portal.Fetcher, registry *parse.Registry, resolver *resolve.Resolver, blobs *filestore.Store, st store.Store, clock portal.Clock, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		fetcher:  fetcher,
		registry: registry,
		resolver: resolver,
		blobs:    blobs,
		store:    st,
		clock:    clock,
		logger:   logger,
	}
}

// Start begins a fresh pass over the configured year range.
func (c *Coordinator) Start(ctx context.Context, cfg Config) (*PassHandle, error) {
	cfg = cfg.withDefaults()
	passID := uuid.NewString()
	return c.launch(ctx, cfg, passID, nil)
}

// Resume continues a previously checkpointed pass: targets recorded as
// completed are skipped, everything else is rebuilt from the seeds and
// rediscovered along the way.
func (c *Coordinator) Resume(ctx context.Context, cfg Config, passID string) (*PassHandle, error) {
	cfg = cfg.withDefaults()
	checkpoint, ok, err := c.store.LoadCheckpoint(ctx, passID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", passID, err)
	}
	if !ok {
		return nil, fmt.Errorf("no checkpoint for pass %s", passID)
	}
	return c.launch(ctx, cfg, passID, checkpoint.CompletedSet())
}

func (c *Coordinator) launch(ctx context.Context, cfg Config, passID string, completed map[string]struct{}) (*PassHandle, error) {
	if cfg.FirstYear <= 0 || cfg.LastYear < cfg.FirstYear {
		return nil, fmt.Errorf("invalid year range %d..%d", cfg.FirstYear, cfg.LastYear)
	}
	if completed == nil {
		completed = make(map[string]struct{})
	}

	p := newPass(c, cfg, passID, completed)
	p.enqueueSeeds(seedTargets(cfg))

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)

	c.logger.Info("pass launched",
		zap.String("pass", passID),
		zap.Int("first_year", cfg.FirstYear),
		zap.Int("last_year", cfg.LastYear),
		zap.Int("workers", cfg.Workers),
		zap.Int("already_completed", len(completed)))
	return &p.handle, nil
}

// degreeLevels are the academic levels the statistics listing is
// published for: bachelor, master, doctorate.
var degreeLevels = []string{"L", "M", "D"}

// seedTargets builds the frontier roots: everything else is discovered
// by parsers from these pages.
func seedTargets(cfg Config) []portal.CrawlTarget {
	var seeds []portal.CrawlTarget

	seeds = append(seeds, portal.CrawlTarget{
		Page: portal.PageCourseList,
		Key:  "courses",
	})
	for _, degree := range degreeLevels {
		seeds = append(seeds, portal.CrawlTarget{
			Page:   portal.PageCourseStatistics,
			Key:    portal.NaturalKey(degree),
			Params: map[string]string{"degree": degree},
		})
	}

	for year := cfg.FirstYear; year <= cfg.LastYear; year++ {
		y := fmt.Sprintf("%d", year)
		seeds = append(seeds,
			portal.CrawlTarget{
				Page:   portal.PageDepartmentList,
				Key:    portal.NaturalKey(y),
				Params: map[string]string{"year": y},
			},
			portal.CrawlTarget{
				Page:   portal.PageAdmissionIndex,
				Key:    portal.NaturalKey(y),
				Params: map[string]string{"year": y},
			},
			portal.CrawlTarget{
				Page:   portal.PageBuildingList,
				Key:    portal.NaturalKey(y),
				Params: map[string]string{"year": y, "period": "1", "period_type": "s"},
			})
	}

	for _, group := range []string{"false", "true"} {
		seeds = append(seeds, portal.CrawlTarget{
			Page:   portal.PageLibraryRooms,
			Key:    portal.ComposeKey("library", group),
			Params: map[string]string{"group": group},
		})
	}
	return seeds
}

package portal

import "context"

// Fetcher retrieves the page behind a crawl target.
type Fetcher interface {
	Fetch(ctx context.Context, target CrawlTarget) (RawPage, error)
}

// Parser converts a raw page into records plus newly discovered targets.
// Implementations are pure: they never block and never fetch.
type Parser interface {
	Parse(page RawPage) (ParseResult, error)
}

// BlobStore deduplicates attachment bodies by content hash.
type BlobStore interface {
	Store(ctx context.Context, data []byte) (string, error)
	Retrieve(ctx context.Context, hash string) ([]byte, error)
}

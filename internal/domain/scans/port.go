package scans

import "context"

// Repository port (interface untuk persistence)
type Repository interface {
	Save(ctx context.Context, s *Scan) error
	Get(ctx context.Context, account string, id ScanID) (*Scan, error)
	Latest(ctx context.Context, account string, limit int) ([]*Scan, error)
	Summary(ctx context.Context, account string, sinceDays int) (int, int, int, int, error)
	Paginate(ctx context.Context, account string, page, pageSize int, filters map[string]interface{}) (PaginatedResult, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// ImageSource pulls the images of one registry account into the local store
// and returns the references it pulled. On failure it still returns the refs
// pulled before the error so the caller can release them.
type ImageSource interface {
	Pull(ctx context.Context, account Account, images []string) ([]ImageRef, error)
}

// Scanner scans one local image. A scan that runs but fails yields an absent
// Result and a nil error; a non-nil error means the scanner is unusable.
type Scanner interface {
	Scan(ctx context.Context, image ImageRef) (Result, error)
}

// Notifier renders results and delivers them.
type Notifier interface {
	Render(r Result) (Payload, error)
	Deliver(ctx context.Context, payloads []Payload) []Outcome
}

// ImageStore is the local image store the pipeline cleans up.
type ImageStore interface {
	Exists(ctx context.Context, image ImageRef) (bool, error)
	Remove(ctx context.Context, image ImageRef, force bool) (bool, error)
}

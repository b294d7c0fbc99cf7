package ports

import (
	"context"

	"github.com/xoelrdgz/logsiem/internal/domain"
)

// RecordReader produces normalized records from some source until Stop is
// called or ctx is cancelled. Both channels are closed on exit.
type RecordReader interface {
	Start(ctx context.Context) (<-chan *domain.NormalizedRecord, <-chan error)
	Stop() error
}

// RecordParser turns one raw line into a normalized record.
type RecordParser interface {
	Parse(line string) (*domain.NormalizedRecord, error)
	Format() string
}

// Package source provides the remote data sources a fetch worker pulls segments from.
package source

import (
	"context"

	"gwfetch/internal/domain"
)

// DataSource retrieves the data for one segment. Implementations return either materialized
// frame data or a list of remote files still to be downloaded, and tag failures with a
// domain.ErrorKind so the worker can decide between waiting, retrying and giving up.
type DataSource interface {
	Fetch(ctx context.Context, seg domain.Segment) (domain.FetchResult, error)
}

// Func adapts a function to DataSource.
type Func func(ctx context.Context, seg domain.Segment) (domain.FetchResult, error)

func (f Func) Fetch(ctx context.Context, seg domain.Segment) (domain.FetchResult, error) {
	return f(ctx, seg)
}

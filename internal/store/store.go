// Package store persists the URL Metrics collected per page URL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SohamPatel46/performance/internal/urlmetric"
)

var ErrUnknownDriver = errors.New("unknown store driver")

// Store keeps the flattened URL Metrics of one URL. Load returns an empty slice for
// a URL with nothing stored.
type Store interface {
	Load(ctx context.Context, url string) ([]urlmetric.URLMetric, error)
	Save(ctx context.Context, url string, metrics []urlmetric.URLMetric) error
	Delete(ctx context.Context, url string) error
	Ping(ctx context.Context) error
	Close() error
}

func encode(metrics []urlmetric.URLMetric) ([]byte, error) {
	if metrics == nil {
		metrics = []urlmetric.URLMetric{}
	}
	b, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("encode url metrics: %w", err)
	}
	return b, nil
}

func decode(b []byte) ([]urlmetric.URLMetric, error) {
	var out []urlmetric.URLMetric
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode url metrics: %w", err)
	}
	return out, nil
}

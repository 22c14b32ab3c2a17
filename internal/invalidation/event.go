// Package invalidation defines the purge events that drop stored URL Metrics for a page,
// typically published when the page's markup or theme changes.
package invalidation

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const OpPurge = "purge"

// Event asks consumers to forget every URL Metric stored for URL. Version increases per
// URL so redelivered or reordered events can be skipped.
type Event struct {
	Version uint64    `json:"version"`
	Op      string    `json:"op"`
	URL     string    `json:"url"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version == 0 {
		return fmt.Errorf("version must be positive")
	}
	if e.Op != OpPurge {
		return fmt.Errorf("op must be %s", OpPurge)
	}
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("url parse: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be absolute http(s)")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

package aggregate

import (
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/SohamPatel46/performance/internal/urlmetric"
)

type groupCache struct {
	complete        cached[bool]
	lcpElement      cached[*urlmetric.Element]
	xpathElements   cached[map[string][]urlmetric.Element]
	maxIntersection cached[map[string]float64]
}

// Group holds at most sampleSize URL Metrics whose viewport width falls in
// [minWidth, maxWidth].
type Group struct {
	minWidth    int
	maxWidth    int
	sampleSize  int
	ttl         time.Duration
	currentETag string
	now         func() time.Time
	onChange    func()

	metrics []urlmetric.URLMetric
	cache   groupCache
}

type GroupOption func(*Group)

// WithCurrentETag sets the environment fingerprint metrics are compared against.
func WithCurrentETag(etag string) GroupOption {
	return func(g *Group) { g.currentETag = etag }
}

func WithClock(now func() time.Time) GroupOption {
	return func(g *Group) {
		if now != nil {
			g.now = now
		}
	}
}

// withOnChange links a group back to its collection without giving it ownership.
func withOnChange(fn func()) GroupOption {
	return func(g *Group) { g.onChange = fn }
}

func NewGroup(
	metrics []urlmetric.URLMetric,
	minWidth, maxWidth, sampleSize int,
	ttl time.Duration,
	opts ...GroupOption,
) (*Group, error) {
	switch {
	case minWidth < 0:
		return nil, fmt.Errorf("%w: minimum viewport width %d must be >= 0", ErrInvalidArgument, minWidth)
	case maxWidth < 1:
		return nil, fmt.Errorf("%w: maximum viewport width %d must be >= 1", ErrInvalidArgument, maxWidth)
	case minWidth >= maxWidth:
		return nil, fmt.Errorf("%w: minimum viewport width %d must be below maximum %d", ErrInvalidArgument, minWidth, maxWidth)
	case sampleSize <= 0:
		return nil, fmt.Errorf("%w: sample size %d must be positive", ErrInvalidArgument, sampleSize)
	case ttl < 0:
		return nil, fmt.Errorf("%w: freshness ttl %s must not be negative", ErrInvalidArgument, ttl)
	}

	g := &Group{
		minWidth:   minWidth,
		maxWidth:   maxWidth,
		sampleSize: sampleSize,
		ttl:        ttl,
		now:        time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	for _, m := range metrics {
		if !g.IsViewportWidthInRange(m.ViewportWidth()) {
			return nil, fmt.Errorf("%w: viewport width %d outside [%d,%d]", ErrInvalidArgument, m.ViewportWidth(), g.minWidth, g.maxWidth)
		}
		g.metrics = append(g.metrics, m.Clone())
	}
	g.evict()
	return g, nil
}

func (g *Group) MinimumViewportWidth() int { return g.minWidth }
func (g *Group) MaximumViewportWidth() int { return g.maxWidth }
func (g *Group) SampleSize() int { return g.sampleSize }
func (g *Group) FreshnessTTL() time.Duration { return g.ttl }
func (g *Group) Len() int { return len(g.metrics) }

func (g *Group) IsViewportWidthInRange(width int) bool {
	return width >= g.minWidth && width <= g.maxWidth
}

// Add admits a metric, evicting the oldest samples beyond the sample size.
func (g *Group) Add(m urlmetric.URLMetric) error {
	if !g.IsViewportWidthInRange(m.ViewportWidth()) {
		return fmt.Errorf("%w: viewport width %d outside [%d,%d]", ErrInvalidArgument, m.ViewportWidth(), g.minWidth, g.maxWidth)
	}

	g.cache = groupCache{}
	if g.onChange != nil {
		g.onChange()
	}

	g.metrics = append(g.metrics, m.Clone())
	g.evict()
	return nil
}

// evict keeps the sampleSize most recent metrics in insertion order.
func (g *Group) evict() {
	if len(g.metrics) <= g.sampleSize {
		return
	}
	idx := make([]int, len(g.metrics))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return g.metrics[idx[a]].Timestamp > g.metrics[idx[b]].Timestamp
	})
	keep := make([]bool, len(g.metrics))
	for _, i := range idx[:g.sampleSize] {
		keep[i] = true
	}
	kept := make([]urlmetric.URLMetric, 0, g.sampleSize)
	for i, m := range g.metrics {
		if keep[i] {
			kept = append(kept, m)
		}
	}
	g.metrics = kept
}

// IsComplete reports whether the group is full and every sample is fresh.
func (g *Group) IsComplete() bool {
	return g.cache.complete.get(func() bool {
		if len(g.metrics) != g.sampleSize {
			return false
		}
		now := g.now()
		for _, m := range g.metrics {
			if now.Sub(m.Time()) > g.ttl {
				return false
			}
			if m.ETag != "" && m.ETag != g.currentETag {
				return false
			}
		}
		return true
	})
}

// LCPElement elects the breadcrumb flagged as LCP by the most samples. Ties go to the
// breadcrumb seen first. Nil when no sample flagged any element. The result is a copy
// and may be modified by the caller.
func (g *Group) LCPElement() *urlmetric.Element {
	return cloneElement(g.electLCP())
}

func (g *Group) electLCP() *urlmetric.Element {
	return g.cache.lcpElement.get(func() *urlmetric.Element {
		var order []string
		counts := map[string]int{}
		first := map[string]*urlmetric.Element{}
		for _, m := range g.metrics {
			el := m.LCPElement()
			if el == nil {
				continue
			}
			if _, seen := counts[el.XPath]; !seen {
				order = append(order, el.XPath)
				first[el.XPath] = el
			}
			counts[el.XPath]++
		}

		var winner *urlmetric.Element
		best := 0
		for _, xpath := range order {
			if counts[xpath] > best {
				best = counts[xpath]
				winner = first[xpath]
			}
		}
		return winner
	})
}

func cloneElement(el *urlmetric.Element) *urlmetric.Element {
	if el == nil {
		return nil
	}
	cp := el.Clone()
	return &cp
}

// XPathElementsMap indexes every element of every sample by breadcrumb. The returned map
// is shared with the cache and must not be modified.
func (g *Group) XPathElementsMap() map[string][]urlmetric.Element {
	return g.cache.xpathElements.get(func() map[string][]urlmetric.Element {
		out := map[string][]urlmetric.Element{}
		for _, m := range g.metrics {
			for _, el := range m.Elements {
				out[el.XPath] = append(out[el.XPath], el)
			}
		}
		return out
	})
}

// AllElementMaxIntersectionRatios returns the highest ratio seen per breadcrumb.
func (g *Group) AllElementMaxIntersectionRatios() map[string]float64 {
	return g.cache.maxIntersection.get(func() map[string]float64 {
		out := map[string]float64{}
		for xpath, els := range g.XPathElementsMap() {
			maxRatio := els[0].IntersectionRatio
			for _, el := range els[1:] {
				maxRatio = max(maxRatio, el.IntersectionRatio)
			}
			out[xpath] = maxRatio
		}
		return out
	})
}

func (g *Group) ElementMaxIntersectionRatio(xpath string) (float64, bool) {
	r, ok := g.AllElementMaxIntersectionRatios()[xpath]
	return r, ok
}

// All iterates retained metrics in insertion order.
func (g *Group) All() iter.Seq[urlmetric.URLMetric] {
	return func(yield func(urlmetric.URLMetric) bool) {
		for _, m := range g.metrics {
			if !yield(m) {
				return
			}
		}
	}
}

func (g *Group) URLMetrics() []urlmetric.URLMetric {
	out := make([]urlmetric.URLMetric, len(g.metrics))
	for i, m := range g.metrics {
		out[i] = m.Clone()
	}
	return out
}

type groupJSON struct {
	FreshnessTTL int64                 `json:"freshnessTtl"`
	SampleSize   int                   `json:"sampleSize"`
	MinViewport  int                   `json:"minViewport"`
	MaxViewport  int                   `json:"maxViewport"`
	LCPElement   *urlmetric.Element    `json:"lcpElement"`
	Complete     bool                  `json:"complete"`
	Metrics      []urlmetric.URLMetric `json:"metrics"`
}

func (g *Group) MarshalJSON() ([]byte, error) {
	metrics := g.metrics
	if metrics == nil {
		metrics = []urlmetric.URLMetric{}
	}
	b, err := json.Marshal(groupJSON{
		FreshnessTTL: int64(g.ttl / time.Second),
		SampleSize:   g.sampleSize,
		MinViewport:  g.minWidth,
		MaxViewport:  g.maxWidth,
		LCPElement:   g.LCPElement(),
		Complete:     g.IsComplete(),
		Metrics:      metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal group [%d,%d]: %w", g.minWidth, g.maxWidth, err)
	}
	return b, nil
}

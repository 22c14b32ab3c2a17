package aggregate

import (
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/SohamPatel46/performance/internal/breakpoint"
	"github.com/SohamPatel46/performance/internal/urlmetric"
)

type collectionCache struct {
	everyComplete   cached[bool]
	commonLCP       cached[*urlmetric.Element]
	maxIntersection cached[map[string]float64]
}

// Collection owns one Group per breakpoint range, ordered by ascending width.
type Collection struct {
	breakpoints []int
	sampleSize  int
	ttl         time.Duration
	currentETag string
	now         func() time.Time

	groups []*Group
	cache  collectionCache
}

type Option func(*Collection)

func WithCollectionETag(etag string) Option {
	return func(c *Collection) { c.currentETag = etag }
}

func WithCollectionClock(now func() time.Time) Option {
	return func(c *Collection) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCollection partitions breakpoints into groups and admits the given metrics.
func NewCollection(
	metrics []urlmetric.URLMetric,
	breakpoints []int,
	sampleSize int,
	ttl time.Duration,
	opts ...Option,
) (*Collection, error) {
	ranges, err := breakpoint.Partition(breakpoints)
	if err != nil {
		return nil, fmt.Errorf("partition breakpoints: %w", err)
	}

	c := &Collection{
		breakpoints: append([]int(nil), breakpoints...),
		sampleSize:  sampleSize,
		ttl:         ttl,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}

	c.groups = make([]*Group, 0, len(ranges))
	for _, r := range ranges {
		g, err := NewGroup(nil, r.Min, r.Max, sampleSize, ttl,
			WithCurrentETag(c.currentETag),
			WithClock(c.now),
			withOnChange(c.ClearCache),
		)
		if err != nil {
			return nil, fmt.Errorf("group [%d,%d]: %w", r.Min, r.Max, err)
		}
		c.groups = append(c.groups, g)
	}

	for _, m := range metrics {
		if err := c.AddURLMetric(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collection) Breakpoints() []int { return append([]int{}, c.breakpoints...) }
func (c *Collection) SampleSize() int { return c.sampleSize }
func (c *Collection) FreshnessTTL() time.Duration { return c.ttl }
func (c *Collection) CurrentETag() string { return c.currentETag }
func (c *Collection) Len() int { return len(c.groups) }

func (c *Collection) Groups() []*Group {
	return append([]*Group(nil), c.groups...)
}

// All iterates groups in ascending range order.
func (c *Collection) All() iter.Seq[*Group] {
	return func(yield func(*Group) bool) {
		for _, g := range c.groups {
			if !yield(g) {
				return
			}
		}
	}
}

// AddURLMetric routes a metric to the group whose range contains its viewport width.
func (c *Collection) AddURLMetric(m urlmetric.URLMetric) error {
	g, err := c.GroupForViewportWidth(m.ViewportWidth())
	if err != nil {
		return err
	}
	return g.Add(m)
}

func (c *Collection) GroupForViewportWidth(width int) (*Group, error) {
	for _, g := range c.groups {
		if g.IsViewportWidthInRange(width) {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrNoGroup, width)
}

// GroupsByLCPElement yields the groups whose elected LCP element has the breadcrumb.
func (c *Collection) GroupsByLCPElement(xpath string) iter.Seq[*Group] {
	return func(yield func(*Group) bool) {
		for _, g := range c.groups {
			el := g.electLCP()
			if el == nil || el.XPath != xpath {
				continue
			}
			if !yield(g) {
				return
			}
		}
	}
}

// ClearCache drops collection-level derived views. Groups call it on every Add.
func (c *Collection) ClearCache() {
	c.cache = collectionCache{}
}

func (c *Collection) IsEveryGroupComplete() bool {
	return c.cache.everyComplete.get(func() bool {
		for _, g := range c.groups {
			if !g.IsComplete() {
				return false
			}
		}
		return true
	})
}

func (c *Collection) IsEveryGroupPopulated() bool {
	for _, g := range c.groups {
		if g.Len() == 0 {
			return false
		}
	}
	return true
}

func (c *Collection) IsAnyGroupPopulated() bool {
	for _, g := range c.groups {
		if g.Len() > 0 {
			return true
		}
	}
	return false
}

// CommonLCPElement returns the LCP element every group agrees on, or nil when any group
// lacks an election or groups disagree. The result is a copy.
func (c *Collection) CommonLCPElement() *urlmetric.Element {
	return cloneElement(c.cache.commonLCP.get(func() *urlmetric.Element {
		var common *urlmetric.Element
		for _, g := range c.groups {
			el := g.electLCP()
			if el == nil {
				return nil
			}
			if common == nil {
				common = el
				continue
			}
			if common.XPath != el.XPath {
				return nil
			}
		}
		return common
	}))
}

// AllElementMaxIntersectionRatios merges the per-group maxima across every group.
func (c *Collection) AllElementMaxIntersectionRatios() map[string]float64 {
	return c.cache.maxIntersection.get(func() map[string]float64 {
		out := map[string]float64{}
		for _, g := range c.groups {
			for xpath, r := range g.AllElementMaxIntersectionRatios() {
				if cur, ok := out[xpath]; !ok || r > cur {
					out[xpath] = r
				}
			}
		}
		return out
	})
}

func (c *Collection) ElementMaxIntersectionRatio(xpath string) (float64, bool) {
	r, ok := c.AllElementMaxIntersectionRatios()[xpath]
	return r, ok
}

// FlattenedURLMetrics returns every retained metric across groups, in group order.
func (c *Collection) FlattenedURLMetrics() []urlmetric.URLMetric {
	var out []urlmetric.URLMetric
	for _, g := range c.groups {
		out = append(out, g.URLMetrics()...)
	}
	return out
}

// Count returns the number of retained metrics across all groups.
func (c *Collection) Count() int {
	n := 0
	for _, g := range c.groups {
		n += g.Len()
	}
	return n
}

func (c *Collection) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(struct {
		CurrentETag string   `json:"currentEtag"`
		Breakpoints []int    `json:"breakpoints"`
		Complete    bool     `json:"complete"`
		Groups      []*Group `json:"groups"`
	}{
		CurrentETag: c.currentETag,
		Breakpoints: c.Breakpoints(),
		Complete:    c.IsEveryGroupComplete(),
		Groups:      c.groups,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal collection: %w", err)
	}
	return b, nil
}

// Package optimizer ties URL Metric storage to aggregation: it admits client samples
// into the per-URL collection and rewrites pages from what was collected.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SohamPatel46/performance/internal/aggregate"
	"github.com/SohamPatel46/performance/internal/cache/keys"
	"github.com/SohamPatel46/performance/internal/core/config"
	"github.com/SohamPatel46/performance/internal/core/observability"
	"github.com/SohamPatel46/performance/internal/logger"
	"github.com/SohamPatel46/performance/internal/metricevents"
	"github.com/SohamPatel46/performance/internal/rewrite"
	"github.com/SohamPatel46/performance/internal/store"
	"github.com/SohamPatel46/performance/internal/urlmetric"
)

var (
	ErrInvalidMetric = errors.New("invalid url metric")
	ErrGroupComplete = errors.New("url metric group already complete")
	ErrETagMismatch  = errors.New("url metric etag does not match current etag")
	ErrRateLimited   = errors.New("url metric storage locked for client")
)

// Publisher receives an event for every stored metric. It must not block.
type Publisher interface {
	Publish(ev metricevents.Event) bool
}

type settings struct {
	agg  config.Aggregation
	etag string
}

type Engine struct {
	log       *slog.Logger
	store     store.Store
	lock      store.Lock
	events    Publisher
	opTimeout time.Duration
	now       func() time.Time
	newID     func() string

	cur atomic.Pointer[settings]
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithLock(l store.Lock) Option {
	return func(e *Engine) {
		if l != nil {
			e.lock = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithOpTimeout bounds every store call. Zero leaves the caller's deadline alone.
func WithOpTimeout(d time.Duration) Option {
	return func(e *Engine) { e.opTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func New(st store.Store, agg config.Aggregation, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("optimizer: store is required")
	}
	e := &Engine{
		log:   slog.Default(),
		store: st,
		lock:  store.NoLock{},
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(e)
	}
	if err := e.UpdateSettings(agg); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateSettings swaps the aggregation settings used by subsequent calls. Calls already
// running keep the settings they started with.
func (e *Engine) UpdateSettings(agg config.Aggregation) error {
	if err := agg.Validate(); err != nil {
		return err
	}
	agg.Breakpoints = append([]int(nil), agg.Breakpoints...)
	e.cur.Store(&settings{agg: agg, etag: currentETag(agg)})
	return nil
}

func (e *Engine) Settings() config.Aggregation {
	s := e.cur.Load()
	agg := s.agg
	agg.Breakpoints = append([]int(nil), s.agg.Breakpoints...)
	return agg
}

// CurrentETag is the environment fingerprint stamped on stored metrics. Without an
// explicit override it changes whenever the aggregation settings change.
func (e *Engine) CurrentETag() string { return e.cur.Load().etag }

func currentETag(agg config.Aggregation) string {
	if agg.CurrentETag != "" {
		return agg.CurrentETag
	}
	bps := make([]string, len(agg.Breakpoints))
	for i, b := range agg.Breakpoints {
		bps[i] = strconv.Itoa(b)
	}
	return keys.Fingerprint(
		"breakpoints="+strings.Join(bps, ","),
		"sample_size="+strconv.Itoa(agg.SampleSize),
		"freshness_ttl="+agg.FreshnessTTL.String(),
	)
}

func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.Ping(ctx)
}

type StoreResult struct {
	UUID          string `json:"uuid"`
	ETag          string `json:"etag"`
	GroupMin      int    `json:"groupMinWidth"`
	GroupMax      int    `json:"groupMaxWidth"`
	GroupComplete bool   `json:"groupComplete"`
	Evicted       int    `json:"evicted"`
}

// Store admits one client sample for pageURL. The metric's UUID, timestamp and ETag
// are assigned here; client supplied values are ignored apart from the ETag check.
func (e *Engine) Store(ctx context.Context, pageURL, clientID string, m urlmetric.URLMetric) (StoreResult, error) {
	s := e.cur.Load()
	ctx = logger.WithURL(logger.WithClientID(ctx, clientID), pageURL)

	m.URL = pageURL
	if err := m.Validate(); err != nil {
		observability.ObserveURLMetricStored(observability.ResultInvalid)
		return StoreResult{}, fmt.Errorf("%w: %v", ErrInvalidMetric, err)
	}
	if m.ETag != "" && m.ETag != s.etag {
		observability.ObserveURLMetricStored(observability.ResultETagMismatch)
		return StoreResult{}, fmt.Errorf("%w: got %q", ErrETagMismatch, m.ETag)
	}

	ok, err := e.lock.Acquire(ctx, clientID)
	if err != nil {
		observability.ObserveURLMetricStored(observability.ResultError)
		return StoreResult{}, fmt.Errorf("storage lock: %w", err)
	}
	if !ok {
		observability.ObserveURLMetricStored(observability.ResultRateLimited)
		return StoreResult{}, ErrRateLimited
	}

	c, err := e.load(ctx, s, pageURL)
	if err != nil {
		observability.ObserveURLMetricStored(observability.ResultError)
		return StoreResult{}, err
	}
	g, err := c.GroupForViewportWidth(m.ViewportWidth())
	if err != nil {
		observability.ObserveURLMetricStored(observability.ResultInvalid)
		return StoreResult{}, fmt.Errorf("%w: %v", ErrInvalidMetric, err)
	}
	if g.IsComplete() {
		observability.ObserveURLMetricStored(observability.ResultGroupComplete)
		return StoreResult{}, ErrGroupComplete
	}

	m.UUID = e.newID()
	m.Timestamp = urlmetric.Timestamp(e.now())
	m.ETag = s.etag

	before := c.Count()
	if err := g.Add(m); err != nil {
		observability.ObserveURLMetricStored(observability.ResultInvalid)
		return StoreResult{}, fmt.Errorf("%w: %v", ErrInvalidMetric, err)
	}
	evicted := before + 1 - c.Count()

	sctx, cancel := e.withTimeout(ctx)
	err = e.store.Save(sctx, pageURL, c.FlattenedURLMetrics())
	cancel()
	if err != nil {
		observability.ObserveURLMetricStored(observability.ResultError)
		return StoreResult{}, fmt.Errorf("save url metrics: %w", err)
	}

	observability.ObserveURLMetricStored(observability.ResultStored)
	observability.AddEvictions(evicted)

	res := StoreResult{
		UUID:          m.UUID,
		ETag:          m.ETag,
		GroupMin:      g.MinimumViewportWidth(),
		GroupMax:      g.MaximumViewportWidth(),
		GroupComplete: g.IsComplete(),
		Evicted:       evicted,
	}
	e.publish(m, res, g)
	e.log.DebugContext(ctx, "url metric stored",
		"uuid", m.UUID, "width", m.ViewportWidth(), "group_complete", res.GroupComplete, "evicted", evicted)
	return res, nil
}

func (e *Engine) publish(m urlmetric.URLMetric, res StoreResult, g *aggregate.Group) {
	if e.events == nil {
		return
	}
	ev := metricevents.Event{
		UUID:          m.UUID,
		URL:           m.URL,
		ETag:          m.ETag,
		ViewportWidth: m.ViewportWidth(),
		GroupMin:      res.GroupMin,
		GroupMax:      res.GroupMax,
		GroupComplete: res.GroupComplete,
		TS:            m.Time().UTC(),
	}
	if el := g.LCPElement(); el != nil {
		ev.LCPXPath = el.XPath
	}
	if !e.events.Publish(ev) {
		e.log.Warn("url metric event dropped", "url", m.URL)
	}
}

// Snapshot returns the collection currently stored for pageURL.
func (e *Engine) Snapshot(ctx context.Context, pageURL string) (*aggregate.Collection, error) {
	return e.load(ctx, e.cur.Load(), pageURL)
}

// Purge forgets everything stored for pageURL.
func (e *Engine) Purge(ctx context.Context, pageURL string) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.store.Delete(ctx, pageURL); err != nil {
		return fmt.Errorf("delete url metrics: %w", err)
	}
	return nil
}

// Optimize rewrites the HTML document read from r into w using the metrics stored for
// pageURL.
func (e *Engine) Optimize(ctx context.Context, w io.Writer, r io.Reader, pageURL string) (rewrite.Result, error) {
	c, err := e.load(ctx, e.cur.Load(), pageURL)
	if err != nil {
		return rewrite.Result{}, err
	}
	res, err := rewrite.Document(w, r, c)
	if err != nil {
		return rewrite.Result{}, fmt.Errorf("rewrite: %w", err)
	}
	observability.ObserveOptimizePass(!res.DetectionNeeded)
	observability.AddPreloadLinks(observability.SourceImage, res.ImageLinks)
	observability.AddPreloadLinks(observability.SourceBackgroundImage, res.BackgroundLinks)
	e.log.DebugContext(logger.WithURL(ctx, pageURL), "optimize pass",
		"links", len(res.Links), "detection_needed", res.DetectionNeeded)
	return res, nil
}

func (e *Engine) load(ctx context.Context, s *settings, pageURL string) (*aggregate.Collection, error) {
	lctx, cancel := e.withTimeout(ctx)
	metrics, err := e.store.Load(lctx, pageURL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("load url metrics: %w", err)
	}
	c, err := aggregate.NewCollection(metrics, s.agg.Breakpoints, s.agg.SampleSize, s.agg.FreshnessTTL,
		aggregate.WithCollectionETag(s.etag),
		aggregate.WithCollectionClock(e.now),
	)
	if err != nil {
		return nil, fmt.Errorf("build collection: %w", err)
	}
	return c, nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opTimeout)
}

package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/SohamPatel46/performance/internal/cache/keys"
	"github.com/SohamPatel46/performance/internal/cache/redisstore"
	"github.com/SohamPatel46/performance/internal/urlmetric"
)

const pageURL = "https://example.com/post"

func sampleMetrics() []urlmetric.URLMetric {
	return []urlmetric.URLMetric{
		{
			UUID:      "a",
			URL:       pageURL,
			ETag:      "v1",
			Viewport:  urlmetric.Viewport{Width: 400, Height: 800},
			Timestamp: 1_700_000_000.5,
			Elements:  []urlmetric.Element{{XPath: "/*[1][self::HTML]", IsLCP: true, IntersectionRatio: 1}},
		},
		{
			UUID:      "b",
			URL:       pageURL,
			Viewport:  urlmetric.Viewport{Width: 1200, Height: 800},
			Timestamp: 1_700_000_001,
		},
	}
}

func newRedisStore(t *testing.T, retention time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	s := NewRedisStore(rc, retention)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newSQLiteStore(t *testing.T, opts ...SQLiteOption) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:", opts...)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exercises the Store contract shared by every backend
func checkRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, pageURL)
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("empty Load=%v want non-nil empty slice", got)
	}

	want := sampleMetrics()
	if err := s.Save(ctx, pageURL, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err = s.Load(ctx, "HTTPS://EXAMPLE.com/post#top")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0].UUID != "a" || got[0].ETag != "v1" || got[0].Timestamp != 1_700_000_000.5 {
		t.Fatalf("Load=%+v", got)
	}
	if el := got[0].LCPElement(); el == nil || el.XPath != "/*[1][self::HTML]" {
		t.Fatalf("elements not round tripped: %+v", got[0].Elements)
	}

	if err := s.Save(ctx, pageURL, want[:1]); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	if got, _ = s.Load(ctx, pageURL); len(got) != 1 {
		t.Fatalf("overwrite kept %d metrics", len(got))
	}

	if err := s.Delete(ctx, pageURL); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ = s.Load(ctx, pageURL); len(got) != 0 {
		t.Fatalf("Load after Delete=%v", got)
	}
	if err := s.Delete(ctx, pageURL); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	s, _ := newRedisStore(t, 0)
	checkRoundTrip(t, s)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	checkRoundTrip(t, newSQLiteStore(t))
}

func TestRedisStore_UsesURLKeyAndRetention(t *testing.T) {
	s, mr := newRedisStore(t, time.Hour)
	if err := s.Save(context.Background(), pageURL, sampleMetrics()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	k := keys.URLMetricsKey(pageURL)
	if !mr.Exists(k) {
		t.Fatalf("key %s not written; have %v", k, mr.Keys())
	}
	if ttl := mr.TTL(k); ttl != time.Hour {
		t.Fatalf("ttl=%v want 1h", ttl)
	}
	mr.FastForward(2 * time.Hour)
	got, err := s.Load(context.Background(), pageURL)
	if err != nil || len(got) != 0 {
		t.Fatalf("expired Load=%v err=%v", got, err)
	}
}

func TestRedisStore_CorruptValue(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	if err := mr.Set(keys.URLMetricsKey(pageURL), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.Load(context.Background(), pageURL); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSQLiteStore_Retention(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	s := newSQLiteStore(t, WithSQLiteRetention(time.Hour), WithSQLiteClock(clock))
	ctx := context.Background()

	if err := s.Save(ctx, pageURL, sampleMetrics()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, _ := s.Load(ctx, pageURL); len(got) != 2 {
		t.Fatalf("fresh Load=%d want 2", len(got))
	}

	now = now.Add(2 * time.Hour)
	if got, _ := s.Load(ctx, pageURL); len(got) != 0 {
		t.Fatalf("stale Load=%d want 0", len(got))
	}
	n, err := s.Prune(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Prune=%d err=%v want 1", n, err)
	}
}

func TestSQLiteStore_OpenFile(t *testing.T) {
	path := t.TempDir() + "/nested/metrics.db"
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	ctx := context.Background()
	if err := s.Save(ctx, pageURL, sampleMetrics()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = s.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got, _ := s2.Load(ctx, pageURL); len(got) != 2 {
		t.Fatalf("reopened Load=%d want 2", len(got))
	}
}

package aggregate

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/SohamPatel46/performance/internal/urlmetric"
)

const imgXPath = "/HTML/BODY/IMG"

var epoch = time.Unix(1_700_000_000, 0).UTC()

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Add(d time.Duration) { f.now = f.now.Add(d) }

func newFakeClock(at time.Duration) *fakeClock { return &fakeClock{now: epoch.Add(at)} }

// builds a metric captured `at` after epoch, flagging lcp (if non-empty) as its LCP element
func metricAt(width int, at time.Duration, lcp string, extra ...urlmetric.Element) urlmetric.URLMetric {
	var els []urlmetric.Element
	if lcp != "" {
		els = append(els, urlmetric.Element{XPath: lcp, IsLCP: true, IntersectionRatio: 1})
	}
	els = append(els, extra...)
	return urlmetric.URLMetric{
		URL:       "https://example.com/",
		Viewport:  urlmetric.Viewport{Width: width, Height: 800},
		Timestamp: urlmetric.Timestamp(epoch.Add(at)),
		Elements:  els,
	}
}

func mustGroup(t *testing.T, sampleSize int, ttl time.Duration, opts ...GroupOption) *Group {
	t.Helper()
	g, err := NewGroup(nil, 0, 1000, sampleSize, ttl, opts...)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	return g
}

func mustAdd(t *testing.T, g *Group, ms ...urlmetric.URLMetric) {
	t.Helper()
	for _, m := range ms {
		if err := g.Add(m); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
}

func timestamps(g *Group) []float64 {
	var out []float64
	for m := range g.All() {
		out = append(out, m.Timestamp)
	}
	return out
}

func TestNewGroup_RejectsInvalidBounds(t *testing.T) {
	cases := []struct {
		name             string
		minW, maxW, size int
		ttl              time.Duration
	}{
		{"negative min", -1, 100, 3, time.Minute},
		{"zero max", 0, 0, 3, time.Minute},
		{"min equals max", 100, 100, 3, time.Minute},
		{"min above max", 200, 100, 3, time.Minute},
		{"zero sample size", 0, 100, 0, time.Minute},
		{"negative ttl", 0, 100, 3, -time.Second},
	}
	for _, tc := range cases {
		if _, err := NewGroup(nil, tc.minW, tc.maxW, tc.size, tc.ttl); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: err=%v want ErrInvalidArgument", tc.name, err)
		}
	}
}

func TestNewGroup_AcceptsZeroTTL(t *testing.T) {
	if _, err := NewGroup(nil, 0, 1, 1, 0); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestNewGroup_RejectsOutOfRangeInitialMetric(t *testing.T) {
	_, err := NewGroup([]urlmetric.URLMetric{metricAt(500, 0, "")}, 0, 100, 3, time.Minute)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v want ErrInvalidArgument", err)
	}
}

func TestIsViewportWidthInRange_Inclusive(t *testing.T) {
	g, err := NewGroup(nil, 480, 599, 3, time.Minute)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	for w, want := range map[int]bool{479: false, 480: true, 599: true, 600: false} {
		if got := g.IsViewportWidthInRange(w); got != want {
			t.Fatalf("IsViewportWidthInRange(%d)=%v want %v", w, got, want)
		}
	}
}

func TestAdd_RejectsOutOfRange(t *testing.T) {
	g, err := NewGroup(nil, 480, 599, 3, time.Minute)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	if err := g.Add(metricAt(600, 0, "")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v want ErrInvalidArgument", err)
	}
	if g.Len() != 0 {
		t.Fatalf("rejected metric must not be retained")
	}
}

func TestScenario_CompleteGroupElectsSharedLCP(t *testing.T) {
	fc := newFakeClock(20 * time.Second)
	g := mustGroup(t, 3, 60*time.Second, WithClock(fc.Now))

	mustAdd(t, g,
		metricAt(400, 0, imgXPath),
		metricAt(400, 10*time.Second, imgXPath),
		metricAt(400, 20*time.Second, imgXPath),
	)

	if !g.IsComplete() {
		t.Fatal("expected complete group")
	}
	el := g.LCPElement()
	if el == nil || el.XPath != imgXPath {
		t.Fatalf("LCPElement=%+v want %s", el, imgXPath)
	}
}

func TestScenario_FourthMetricEvictsOldest(t *testing.T) {
	fc := newFakeClock(30 * time.Second)
	g := mustGroup(t, 3, 60*time.Second, WithClock(fc.Now))

	mustAdd(t, g,
		metricAt(400, 0, imgXPath),
		metricAt(400, 10*time.Second, imgXPath),
		metricAt(400, 20*time.Second, imgXPath),
		metricAt(400, 30*time.Second, imgXPath),
	)

	if g.Len() != 3 {
		t.Fatalf("Len=%d want 3", g.Len())
	}
	want := []float64{
		urlmetric.Timestamp(epoch.Add(10 * time.Second)),
		urlmetric.Timestamp(epoch.Add(20 * time.Second)),
		urlmetric.Timestamp(epoch.Add(30 * time.Second)),
	}
	if got := timestamps(g); !reflect.DeepEqual(got, want) {
		t.Fatalf("retained=%v want %v", got, want)
	}
}

func TestEviction_RetainsMostRecentRegardlessOfArrivalOrder(t *testing.T) {
	g := mustGroup(t, 2, time.Hour)

	// late-arriving old samples must not displace newer ones
	mustAdd(t, g,
		metricAt(400, 50*time.Second, ""),
		metricAt(400, 10*time.Second, ""),
		metricAt(400, 40*time.Second, ""),
		metricAt(400, 5*time.Second, ""),
	)

	want := []float64{
		urlmetric.Timestamp(epoch.Add(50 * time.Second)),
		urlmetric.Timestamp(epoch.Add(40 * time.Second)),
	}
	if got := timestamps(g); !reflect.DeepEqual(got, want) {
		t.Fatalf("retained=%v want %v (insertion order)", got, want)
	}
}

func TestEviction_CountNeverExceedsSampleSize(t *testing.T) {
	g := mustGroup(t, 4, time.Hour)
	for i := range 25 {
		mustAdd(t, g, metricAt(400, time.Duration(i)*time.Second, ""))
		if g.Len() > 4 {
			t.Fatalf("Len=%d exceeds sample size after %d adds", g.Len(), i+1)
		}
	}
	if g.Len() != 4 {
		t.Fatalf("Len=%d want 4", g.Len())
	}
}

func TestIsComplete_FalseUntilFull(t *testing.T) {
	fc := newFakeClock(0)
	g := mustGroup(t, 3, time.Minute, WithClock(fc.Now))
	if g.IsComplete() {
		t.Fatal("empty group must not be complete")
	}
	mustAdd(t, g, metricAt(400, 0, ""), metricAt(400, 0, ""))
	if g.IsComplete() {
		t.Fatal("group below sample size must not be complete")
	}
	mustAdd(t, g, metricAt(400, 0, ""))
	if !g.IsComplete() {
		t.Fatal("full fresh group must be complete")
	}
}

func TestIsComplete_StaleByTTL(t *testing.T) {
	fc := newFakeClock(61 * time.Second)
	g := mustGroup(t, 2, 60*time.Second, WithClock(fc.Now))
	mustAdd(t, g, metricAt(400, 0, ""), metricAt(400, 30*time.Second, ""))
	if g.IsComplete() {
		t.Fatal("metric older than ttl must make the group incomplete")
	}
}

func TestIsComplete_AgeEqualToTTLIsFresh(t *testing.T) {
	fc := newFakeClock(60 * time.Second)
	g := mustGroup(t, 1, 60*time.Second, WithClock(fc.Now))
	mustAdd(t, g, metricAt(400, 0, ""))
	if !g.IsComplete() {
		t.Fatal("metric exactly ttl old must still be fresh")
	}
}

func TestIsComplete_ETagMismatchIsStale(t *testing.T) {
	fc := newFakeClock(0)
	g := mustGroup(t, 2, time.Minute, WithClock(fc.Now), WithCurrentETag("v2"))

	old := metricAt(400, 0, "")
	old.ETag = "v1"
	cur := metricAt(400, 0, "")
	cur.ETag = "v2"
	mustAdd(t, g, old, cur)

	if g.IsComplete() {
		t.Fatal("etag mismatch must make the group incomplete")
	}
}

func TestIsComplete_MissingETagIsNotStale(t *testing.T) {
	fc := newFakeClock(0)
	g := mustGroup(t, 2, time.Minute, WithClock(fc.Now), WithCurrentETag("v2"))

	legacy := metricAt(400, 0, "")
	cur := metricAt(400, 0, "")
	cur.ETag = "v2"
	mustAdd(t, g, legacy, cur)

	if !g.IsComplete() {
		t.Fatal("metric without etag must not be stale on that basis")
	}
}

func TestIsComplete_MemoizedUntilAdd(t *testing.T) {
	fc := newFakeClock(0)
	g := mustGroup(t, 1, time.Minute, WithClock(fc.Now))
	mustAdd(t, g, metricAt(400, 0, ""))
	if !g.IsComplete() {
		t.Fatal("expected complete")
	}

	// the memoized answer holds for the rest of the pass even as the clock moves
	fc.Add(time.Hour)
	if !g.IsComplete() {
		t.Fatal("memoized completeness changed without Add")
	}

	mustAdd(t, g, metricAt(400, 0, ""))
	if g.IsComplete() {
		t.Fatal("Add must invalidate completeness")
	}
}

func TestLCPElement_MajorityWins(t *testing.T) {
	g := mustGroup(t, 5, time.Hour)
	mustAdd(t, g,
		metricAt(400, 0, "/a"),
		metricAt(400, 1*time.Second, "/b"),
		metricAt(400, 2*time.Second, "/b"),
		metricAt(400, 3*time.Second, "/a"),
		metricAt(400, 4*time.Second, "/b"),
	)
	if el := g.LCPElement(); el == nil || el.XPath != "/b" {
		t.Fatalf("LCPElement=%+v want /b", el)
	}
}

func TestLCPElement_TieGoesToFirstSeen(t *testing.T) {
	g := mustGroup(t, 4, time.Hour)
	mustAdd(t, g,
		metricAt(400, 0, "/z"),
		metricAt(400, 1*time.Second, "/a"),
		metricAt(400, 2*time.Second, "/a"),
		metricAt(400, 3*time.Second, "/z"),
	)
	if el := g.LCPElement(); el == nil || el.XPath != "/z" {
		t.Fatalf("LCPElement=%+v want /z (first seen)", el)
	}
}

func TestLCPElement_UsesFirstFlaggedElementPerMetric(t *testing.T) {
	g := mustGroup(t, 2, time.Hour)
	m1 := metricAt(400, 0, "/a", urlmetric.Element{XPath: "/b", IsLCP: true})
	m2 := metricAt(400, time.Second, "/a", urlmetric.Element{XPath: "/b", IsLCP: true})
	mustAdd(t, g, m1, m2)
	if el := g.LCPElement(); el == nil || el.XPath != "/a" {
		t.Fatalf("LCPElement=%+v want /a", el)
	}
}

func TestLCPElement_CandidateFlagDoesNotVote(t *testing.T) {
	g := mustGroup(t, 2, time.Hour)
	mustAdd(t, g,
		metricAt(400, 0, "/a", urlmetric.Element{XPath: "/b", IsLCPCandidate: true}),
		metricAt(400, time.Second, "", urlmetric.Element{XPath: "/b", IsLCPCandidate: true}),
	)
	if el := g.LCPElement(); el == nil || el.XPath != "/a" {
		t.Fatalf("LCPElement=%+v want /a", el)
	}
}

func TestLCPElement_ReturnsCopy(t *testing.T) {
	g := mustGroup(t, 2, time.Hour)
	id := "hero"
	bg := &urlmetric.BackgroundImage{URL: "https://x/a.jpg", Tag: "DIV", ID: &id}
	mustAdd(t, g, metricAt(400, 0, "", urlmetric.Element{XPath: "/a", IsLCP: true, ExternalBackgroundImage: bg}))

	el := g.LCPElement()
	el.XPath = "/mutated"
	*el.ExternalBackgroundImage.ID = "mutated"

	again := g.LCPElement()
	if again.XPath != "/a" || *again.ExternalBackgroundImage.ID != "hero" {
		t.Fatalf("caller mutation leaked into the memo: %+v", again)
	}
}

func TestLCPElement_NilWithoutFlags(t *testing.T) {
	g := mustGroup(t, 2, time.Hour)
	if g.LCPElement() != nil {
		t.Fatal("empty group must have no LCP element")
	}
	mustAdd(t, g, metricAt(400, 0, "", urlmetric.Element{XPath: "/a"}))
	if g.LCPElement() != nil {
		t.Fatal("no flagged element must yield nil")
	}
}

func TestLCPElement_InvalidatedByAdd(t *testing.T) {
	g := mustGroup(t, 3, time.Hour)
	mustAdd(t, g, metricAt(400, 0, "/a"))
	if el := g.LCPElement(); el == nil || el.XPath != "/a" {
		t.Fatalf("LCPElement=%+v want /a", el)
	}
	mustAdd(t, g, metricAt(400, time.Second, "/b"), metricAt(400, 2*time.Second, "/b"))
	if el := g.LCPElement(); el == nil || el.XPath != "/b" {
		t.Fatalf("LCPElement=%+v want /b after Add", el)
	}
}

func TestMemoizedGetters_Idempotent(t *testing.T) {
	g := mustGroup(t, 3, time.Hour)
	mustAdd(t, g,
		metricAt(400, 0, "/a", urlmetric.Element{XPath: "/c", IntersectionRatio: 0.2}),
		metricAt(400, time.Second, "/a", urlmetric.Element{XPath: "/c", IntersectionRatio: 0.7}),
	)
	if !reflect.DeepEqual(g.LCPElement(), g.LCPElement()) {
		t.Fatal("LCPElement not idempotent")
	}
	if !reflect.DeepEqual(g.XPathElementsMap(), g.XPathElementsMap()) {
		t.Fatal("XPathElementsMap not idempotent")
	}
	if !reflect.DeepEqual(g.AllElementMaxIntersectionRatios(), g.AllElementMaxIntersectionRatios()) {
		t.Fatal("AllElementMaxIntersectionRatios not idempotent")
	}
	if g.IsComplete() != g.IsComplete() {
		t.Fatal("IsComplete not idempotent")
	}
}

func TestXPathElementsMap_GroupsAcrossMetrics(t *testing.T) {
	g := mustGroup(t, 3, time.Hour)
	mustAdd(t, g,
		metricAt(400, 0, "/a", urlmetric.Element{XPath: "/c", IntersectionRatio: 0.2}),
		metricAt(400, time.Second, "", urlmetric.Element{XPath: "/c", IntersectionRatio: 0.9}),
	)
	m := g.XPathElementsMap()
	if len(m["/a"]) != 1 || len(m["/c"]) != 2 {
		t.Fatalf("unexpected map: %+v", m)
	}
	if m["/c"][0].IntersectionRatio != 0.2 || m["/c"][1].IntersectionRatio != 0.9 {
		t.Fatalf("elements not in encounter order: %+v", m["/c"])
	}
}

func TestElementMaxIntersectionRatio(t *testing.T) {
	g := mustGroup(t, 3, time.Hour)
	mustAdd(t, g,
		metricAt(400, 0, "", urlmetric.Element{XPath: "/c", IntersectionRatio: 0.2}),
		metricAt(400, time.Second, "", urlmetric.Element{XPath: "/c", IntersectionRatio: 0.9}),
		metricAt(400, 2*time.Second, "", urlmetric.Element{XPath: "/c", IntersectionRatio: 0.4}),
	)
	r, ok := g.ElementMaxIntersectionRatio("/c")
	if !ok || r != 0.9 {
		t.Fatalf("ratio=%v ok=%v want 0.9", r, ok)
	}
	if _, ok := g.ElementMaxIntersectionRatio("/missing"); ok {
		t.Fatal("unknown breadcrumb must report absent")
	}
}

func TestAdd_StoresCopy(t *testing.T) {
	g := mustGroup(t, 1, time.Hour)
	m := metricAt(400, 0, "/a")
	mustAdd(t, g, m)
	m.Elements[0].XPath = "/mutated"
	if el := g.LCPElement(); el == nil || el.XPath != "/a" {
		t.Fatalf("group shares metric state with caller: %+v", el)
	}
}

func TestMarshalJSON_Snapshot(t *testing.T) {
	fc := newFakeClock(0)
	g, err := NewGroup(nil, 480, 599, 1, time.Minute, WithClock(fc.Now))
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	mustAdd(t, g, metricAt(500, 0, imgXPath))

	b, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		FreshnessTTL int                   `json:"freshnessTtl"`
		SampleSize   int                   `json:"sampleSize"`
		MinViewport  int                   `json:"minViewport"`
		MaxViewport  int                   `json:"maxViewport"`
		LCPElement   *urlmetric.Element    `json:"lcpElement"`
		Complete     bool                  `json:"complete"`
		Metrics      []urlmetric.URLMetric `json:"metrics"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, b)
	}
	if got.FreshnessTTL != 60 || got.SampleSize != 1 || got.MinViewport != 480 || got.MaxViewport != 599 {
		t.Fatalf("unexpected config fields: %s", b)
	}
	if !got.Complete || got.LCPElement == nil || got.LCPElement.XPath != imgXPath || len(got.Metrics) != 1 {
		t.Fatalf("unexpected derived fields: %s", b)
	}
}

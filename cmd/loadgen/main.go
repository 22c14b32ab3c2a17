// Command loadgen posts synthetic URL Metrics to a running detective server and
// reports latency percentiles and the status mix.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SohamPatel46/performance/internal/urlmetric"
)

type Config struct {
	BaseURL        string
	Site           string
	Pages          int
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	OutputPrefix   string
	RequestTimeout time.Duration
	OptimizeEvery  int
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8090", "detective base URL")
	flag.StringVar(&cfg.Site, "site", "https://example.com", "Site whose pages are simulated")
	flag.IntVar(&cfg.Pages, "pages", 64, "Distinct page URLs in pool")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/loadgen", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.IntVar(&cfg.OptimizeEvery, "optimize-every", 10, "Issue an /optimize request every N requests per worker (0 disables)")
	flag.Parse()
	return cfg
}

// common viewport widths from phones up to desktops
var deviceWidths = []int{360, 375, 390, 412, 414, 768, 820, 1024, 1280, 1366, 1440, 1536, 1920}

const pageTemplate = `<!DOCTYPE html><html><head><title>p</title></head><body>` +
	`<img src="%s/hero-%d.jpg"><p>text</p><img src="%s/footer.jpg"></body></html>`

const (
	heroXPath   = "/*[1][self::HTML]/*[2][self::BODY]/*[1][self::IMG]"
	footerXPath = "/*[1][self::HTML]/*[2][self::BODY]/*[3][self::IMG]"
)

func pageURLs(site string, n int) []string {
	out := make([]string, 0, n)
	for i := range n {
		out = append(out, fmt.Sprintf("%s/post-%d/", strings.TrimRight(site, "/"), i))
	}
	return out
}

// makeMetric builds a sample where the hero image is the LCP element on every
// viewport and the footer image is visible only on tall desktop screens.
func makeMetric(r *rand.Rand, pageURL string) urlmetric.URLMetric {
	width := deviceWidths[r.Intn(len(deviceWidths))]
	height := 640 + r.Intn(500)
	footerRatio := 0.0
	if width >= 1280 && height > 1000 {
		footerRatio = 0.25
	}
	return urlmetric.URLMetric{
		URL:      pageURL,
		Viewport: urlmetric.Viewport{Width: width, Height: height},
		Elements: []urlmetric.Element{
			{XPath: heroXPath, TagName: "IMG", IsLCP: true, IsLCPCandidate: true, IntersectionRatio: 1},
			{XPath: footerXPath, TagName: "IMG", IntersectionRatio: footerRatio},
		},
	}
}

type sample struct {
	Timestamp time.Time
	Kind      string
	Latency   time.Duration
	Status    int
	ErrorMsg  string
	Page      int
}

type summary struct {
	StartTime     time.Time      `json:"start"`
	EndTime       time.Time      `json:"end"`
	DurationSec   float64        `json:"duration_sec"`
	TotalRequests int64          `json:"total"`
	ErrorCount    int64          `json:"errors"`
	ByStatus      map[string]int `json:"by_status"`
	ThroughputRPS float64        `json:"throughput_rps"`
	P50Ms         float64        `json:"p50_ms"`
	P95Ms         float64        `json:"p95_ms"`
	P99Ms         float64        `json:"p99_ms"`
	Concurrency   int            `json:"concurrency"`
	Pages         int            `json:"pages"`
	TargetURL     string         `json:"target"`
}

type aggregatedResult struct {
	total    int64
	errors   int64
	byStatus map[string]int
	latMs    []float64
}

func main() {
	cfg := loadConfig()
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	pages := pageURLs(cfg.Site, cfg.Pages)
	if len(pages) == 0 {
		log.Fatalf("no pages configured")
	}
	imax := uint64(len(pages)) - 1
	seed := time.Now().UnixNano()

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 128,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "kind", "latency_ms", "status", "error", "page"})
		res := aggregatedResult{byStatus: map[string]int{}, latMs: make([]float64, 0, 1<<16)}
		for s := range samplesChan {
			res.total++
			res.byStatus[strconv.Itoa(s.Status)]++
			if s.ErrorMsg != "" {
				res.errors++
			} else {
				res.latMs = append(res.latMs, float64(s.Latency.Microseconds())/1000.0)
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				s.Kind,
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				strconv.Itoa(s.Status),
				s.ErrorMsg,
				strconv.Itoa(s.Page),
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- res
	}()

	startTime := time.Now()
	log.Printf("loadgen start target=%s pages=%d dur=%s conc=%d zipf(s=%.2f,v=%.2f)",
		cfg.BaseURL, len(pages), cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV)

	var wg sync.WaitGroup
	for workerID := range cfg.Concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, imax)
			for n := 1; ; n++ {
				if ctx.Err() != nil {
					return
				}
				idx := int(zipf.Uint64())
				var s sample
				if cfg.OptimizeEvery > 0 && n%cfg.OptimizeEvery == 0 {
					s = optimize(ctx, httpClient, cfg, pages[idx], idx)
				} else {
					s = storeMetric(ctx, httpClient, cfg, makeMetric(r, pages[idx]), clientAddr(r))
				}
				s.Page = idx
				select {
				case samplesChan <- s:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	out := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		ErrorCount:    agg.errors,
		ByStatus:      agg.byStatus,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Concurrency:   cfg.Concurrency,
		Pages:         len(pages),
		TargetURL:     cfg.BaseURL,
	}

	if jsonFile, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d err=%d status=%v thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		out.TotalRequests, out.ErrorCount, out.ByStatus, out.ThroughputRPS, out.P50Ms, out.P95Ms, out.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

// clientAddr fakes a distinct visitor so the per-client storage lock does not
// throttle the whole run.
func clientAddr(r *rand.Rand) string {
	return fmt.Sprintf("10.%d.%d.%d", r.Intn(256), r.Intn(256), 1+r.Intn(254))
}

func endpoint(base, path, pageURL string) string {
	return strings.TrimRight(base, "/") + path + "?url=" + url.QueryEscape(pageURL)
}

func storeMetric(ctx context.Context, c *http.Client, cfg Config, m urlmetric.URLMetric, client string) sample {
	body, err := json.Marshal(m)
	if err != nil {
		return sample{Timestamp: time.Now(), Kind: "store", ErrorMsg: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(cfg.BaseURL, "/url-metrics", m.URL), bytes.NewReader(body))
	if err != nil {
		return sample{Timestamp: time.Now(), Kind: "store", ErrorMsg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", client)
	return send(c, req, "store", func(code int) bool {
		// complete groups and locked clients are expected outcomes under load
		return code == http.StatusOK || code == http.StatusForbidden || code == http.StatusTooManyRequests
	})
}

func optimize(ctx context.Context, c *http.Client, cfg Config, pageURL string, idx int) sample {
	html := fmt.Sprintf(pageTemplate, strings.TrimRight(cfg.Site, "/"), idx, strings.TrimRight(cfg.Site, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(cfg.BaseURL, "/optimize", pageURL), strings.NewReader(html))
	if err != nil {
		return sample{Timestamp: time.Now(), Kind: "optimize", ErrorMsg: err.Error()}
	}
	req.Header.Set("Content-Type", "text/html")
	return send(c, req, "optimize", func(code int) bool { return code == http.StatusOK })
}

func send(c *http.Client, req *http.Request, kind string, ok func(int) bool) sample {
	req.Header.Set("X-Request-ID", uuid.NewString())
	start := time.Now()
	resp, err := c.Do(req)
	s := sample{Timestamp: start, Kind: kind, Latency: time.Since(start)}
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Status = resp.StatusCode
	if !ok(resp.StatusCode) {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}

// Package router exposes the URL Metric endpoints over HTTP.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SohamPatel46/performance/internal/aggregate"
	"github.com/SohamPatel46/performance/internal/core/middleware"
	"github.com/SohamPatel46/performance/internal/core/observability"
	"github.com/SohamPatel46/performance/internal/optimizer"
	"github.com/SohamPatel46/performance/internal/rewrite"
	"github.com/SohamPatel46/performance/internal/urlmetric"
)

const (
	HeaderDetectionNeeded = "X-Detection-Needed"
	HeaderETag            = "X-URL-Metrics-ETag"
)

// Service is the subset of the optimizer engine the handlers call.
type Service interface {
	Store(ctx context.Context, pageURL, clientID string, m urlmetric.URLMetric) (optimizer.StoreResult, error)
	Snapshot(ctx context.Context, pageURL string) (*aggregate.Collection, error)
	Purge(ctx context.Context, pageURL string) error
	Optimize(ctx context.Context, w io.Writer, r io.Reader, pageURL string) (rewrite.Result, error)
	CurrentETag() string
}

type Handlers struct {
	log     *slog.Logger
	svc     Service
	maxBody int64
}

func New(log *slog.Logger, svc Service, maxBody int64) *Handlers {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{log: log, svc: svc, maxBody: maxBody}
}

// StoreURLMetric handles POST /url-metrics?url=.
func (h *Handlers) StoreURLMetric(w http.ResponseWriter, r *http.Request) {
	h.observe("/url-metrics", w, r, func(w http.ResponseWriter) {
		pageURL, err := pageURLParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var m urlmetric.URLMetric
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
		if err := dec.Decode(&m); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(w, http.StatusRequestEntityTooLarge, err)
				return
			}
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode url metric: %w", err))
			return
		}

		res, err := h.svc.Store(r.Context(), pageURL, middleware.ClientID(r), m)
		if err != nil {
			h.writeServiceError(r.Context(), w, err)
			return
		}
		w.Header().Set(HeaderETag, res.ETag)
		writeJSON(w, http.StatusOK, res)
	})
}

// GetURLMetrics handles GET /url-metrics?url= with the grouped snapshot.
func (h *Handlers) GetURLMetrics(w http.ResponseWriter, r *http.Request) {
	h.observe("/url-metrics", w, r, func(w http.ResponseWriter) {
		pageURL, err := pageURLParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		c, err := h.svc.Snapshot(r.Context(), pageURL)
		if err != nil {
			h.writeServiceError(r.Context(), w, err)
			return
		}
		if c.Count() == 0 {
			writeError(w, http.StatusNotFound, errors.New("no url metrics stored"))
			return
		}
		w.Header().Set(HeaderETag, c.CurrentETag())
		writeJSON(w, http.StatusOK, c)
	})
}

// DeleteURLMetrics handles DELETE /url-metrics?url=.
func (h *Handlers) DeleteURLMetrics(w http.ResponseWriter, r *http.Request) {
	h.observe("/url-metrics", w, r, func(w http.ResponseWriter) {
		pageURL, err := pageURLParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.svc.Purge(r.Context(), pageURL); err != nil {
			h.writeServiceError(r.Context(), w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// Optimize handles POST /optimize?url=. The request body is the page's HTML; the
// response is the rewritten document.
func (h *Handlers) Optimize(w http.ResponseWriter, r *http.Request) {
	h.observe("/optimize", w, r, func(w http.ResponseWriter) {
		pageURL, err := pageURLParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(w, http.StatusRequestEntityTooLarge, err)
				return
			}
			writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}

		var out bytes.Buffer
		res, err := h.svc.Optimize(r.Context(), &out, bytes.NewReader(body), pageURL)
		if err != nil {
			h.writeServiceError(r.Context(), w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set(HeaderDetectionNeeded, strconv.FormatBool(res.DetectionNeeded))
		w.Header().Set(HeaderETag, h.svc.CurrentETag())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Bytes())
	})
}

func (h *Handlers) observe(route string, w http.ResponseWriter, r *http.Request, fn func(http.ResponseWriter)) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
	fn(sw)
	observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
}

func (h *Handlers) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "request failed", "err", err)
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, optimizer.ErrInvalidMetric), errors.Is(err, optimizer.ErrETagMismatch):
		return http.StatusBadRequest
	case errors.Is(err, optimizer.ErrGroupComplete):
		return http.StatusForbidden
	case errors.Is(err, optimizer.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func pageURLParam(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		return "", errors.New("missing required parameter: url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.New("url must be absolute http(s)")
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

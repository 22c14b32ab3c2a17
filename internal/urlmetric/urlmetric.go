// Package urlmetric defines the client-observed page rendering samples the aggregator consumes.
package urlmetric

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type DOMRect struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// BackgroundImage describes a background image loaded from a stylesheet rather than an
// inline style attribute. ID and Class are nil when the element lacks the attribute.
type BackgroundImage struct {
	URL   string  `json:"url"`
	Tag   string  `json:"tag"`
	ID    *string `json:"id"`
	Class *string `json:"class"`
}

// Equal compares every attribute, treating two absent id/class values as equal.
func (b BackgroundImage) Equal(o BackgroundImage) bool {
	return b.URL == o.URL &&
		b.Tag == o.Tag &&
		equalOptional(b.ID, o.ID) &&
		equalOptional(b.Class, o.Class)
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Element is one observed element of a sample. IsLCP marks the element the client
// reported as the largest contentful paint and is the flag that votes in group LCP
// elections. IsLCPCandidate is carried through but does not vote.
type Element struct {
	XPath                   string           `json:"xpath"`
	TagName                 string           `json:"tagName,omitempty"`
	IsLCP                   bool             `json:"isLCP"`
	IsLCPCandidate          bool             `json:"isLCPCandidate"`
	IntersectionRatio       float64          `json:"intersectionRatio"`
	IntersectionRect        DOMRect          `json:"intersectionRect"`
	BoundingClientRect      DOMRect          `json:"boundingClientRect"`
	ExternalBackgroundImage *BackgroundImage `json:"externalBackgroundImage,omitempty"`
}

// URLMetric is one client observation of a page at a given viewport.
// Timestamp is unix seconds with a fractional part. An empty ETag means the sample
// predates ETag tracking and is never considered stale on that basis.
type URLMetric struct {
	UUID      string    `json:"uuid"`
	URL       string    `json:"url"`
	ETag      string    `json:"etag,omitempty"`
	Viewport  Viewport  `json:"viewport"`
	Timestamp float64   `json:"timestamp"`
	Elements  []Element `json:"elements"`
}

func (m URLMetric) ViewportWidth() int { return m.Viewport.Width }

func (m URLMetric) Time() time.Time {
	sec, frac := math.Modf(m.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// LCPElement returns the first element flagged as LCP, or nil.
func (m URLMetric) LCPElement() *Element {
	for i := range m.Elements {
		if m.Elements[i].IsLCP {
			el := m.Elements[i]
			return &el
		}
	}
	return nil
}

// Clone returns a deep copy so groups never share mutable state.
func (m URLMetric) Clone() URLMetric {
	cp := m
	if m.Elements != nil {
		cp.Elements = make([]Element, len(m.Elements))
		for i, el := range m.Elements {
			cp.Elements[i] = el.Clone()
		}
	}
	return cp
}

// Clone returns a deep copy of the element.
func (el Element) Clone() Element {
	if el.ExternalBackgroundImage != nil {
		bg := *el.ExternalBackgroundImage
		bg.ID = cloneOptional(bg.ID)
		bg.Class = cloneOptional(bg.Class)
		el.ExternalBackgroundImage = &bg
	}
	return el
}

func cloneOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Validate checks the shape of a metric submitted by a client.
func (m URLMetric) Validate() error {
	if err := validateURL(m.URL); err != nil {
		return err
	}
	if m.Viewport.Width <= 0 {
		return fmt.Errorf("viewport.width must be positive")
	}
	if m.Viewport.Height < 0 {
		return fmt.Errorf("viewport.height must not be negative")
	}
	if m.Timestamp < 0 {
		return fmt.Errorf("timestamp must not be negative")
	}
	for i, el := range m.Elements {
		if err := el.validate(); err != nil {
			return fmt.Errorf("elements[%d]: %w", i, err)
		}
	}
	return nil
}

func (el Element) validate() error {
	if strings.TrimSpace(el.XPath) == "" {
		return fmt.Errorf("xpath is required")
	}
	if math.IsNaN(el.IntersectionRatio) || el.IntersectionRatio < 0 || el.IntersectionRatio > 1 {
		return fmt.Errorf("intersectionRatio must be in [0,1]")
	}
	if bg := el.ExternalBackgroundImage; bg != nil {
		if err := validateURL(bg.URL); err != nil {
			return fmt.Errorf("externalBackgroundImage: %w", err)
		}
		if strings.TrimSpace(bg.Tag) == "" {
			return fmt.Errorf("externalBackgroundImage.tag is required")
		}
	}
	return nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url parse: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be absolute http(s)")
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

package preload

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/SohamPatel46/performance/internal/breakpoint"
)

// Link is one preload directive scoped to a viewport width range.
type Link struct {
	Rel                  string `json:"rel"`
	FetchPriority        string `json:"fetchPriority"`
	As                   string `json:"as"`
	Href                 string `json:"href,omitempty"`
	ImageSrcset          string `json:"imagesrcset,omitempty"`
	ImageSizes           string `json:"imagesizes,omitempty"`
	CrossOrigin          string `json:"crossorigin,omitempty"`
	Media                string `json:"media"`
	MinimumViewportWidth int    `json:"minViewportWidth"`
	MaximumViewportWidth int    `json:"maxViewportWidth"`
}

// ImageLink returns a high priority image preload for [minWidth, maxWidth].
func ImageLink(href string, minWidth, maxWidth int) Link {
	return Link{
		Rel:                  "preload",
		FetchPriority:        "high",
		As:                   "image",
		Href:                 href,
		Media:                "screen",
		MinimumViewportWidth: minWidth,
		MaximumViewportWidth: maxWidth,
	}
}

// MediaQuery combines Media with the width bounds the link applies to.
func (l Link) MediaQuery() string {
	parts := []string{l.Media}
	if l.Media == "" {
		parts[0] = "screen"
	}
	if l.MinimumViewportWidth > 0 {
		parts = append(parts, fmt.Sprintf("(min-width: %dpx)", l.MinimumViewportWidth))
	}
	if l.MaximumViewportWidth < breakpoint.Unbounded {
		parts = append(parts, fmt.Sprintf("(max-width: %dpx)", l.MaximumViewportWidth))
	}
	return strings.Join(parts, " and ")
}

func (l Link) attrKey() string {
	return strings.Join([]string{l.Rel, l.FetchPriority, l.As, l.Href, l.ImageSrcset, l.ImageSizes, l.CrossOrigin, l.Media}, "\x00")
}

// LinkCollection accumulates preload links over one document pass.
type LinkCollection struct {
	order  []string
	byAttr map[string][]Link
}

func NewLinkCollection() *LinkCollection {
	return &LinkCollection{byAttr: map[string][]Link{}}
}

// Add records a link. Links without an href or srcset are ignored.
func (c *LinkCollection) Add(l Link) {
	if l.Href == "" && l.ImageSrcset == "" {
		return
	}
	k := l.attrKey()
	if _, ok := c.byAttr[k]; !ok {
		c.order = append(c.order, k)
	}
	c.byAttr[k] = append(c.byAttr[k], l)
}

// Len counts the links that Links would return.
func (c *LinkCollection) Len() int { return len(c.Links()) }

// Links returns deduplicated links, merging contiguous or overlapping ranges for links
// that share every attribute. Attribute sets keep first-added order.
func (c *LinkCollection) Links() []Link {
	var out []Link
	for _, k := range c.order {
		ls := slices.Clone(c.byAttr[k])
		slices.SortStableFunc(ls, func(a, b Link) int {
			return a.MinimumViewportWidth - b.MinimumViewportWidth
		})
		cur := ls[0]
		for _, l := range ls[1:] {
			if cur.MaximumViewportWidth == breakpoint.Unbounded || l.MinimumViewportWidth <= cur.MaximumViewportWidth+1 {
				cur.MaximumViewportWidth = max(cur.MaximumViewportWidth, l.MaximumViewportWidth)
				continue
			}
			out = append(out, cur)
			cur = l
		}
		out = append(out, cur)
	}
	return out
}

// Nodes renders the links as <link> elements ready to append to <head>.
func (c *LinkCollection) Nodes() []*html.Node {
	links := c.Links()
	nodes := make([]*html.Node, 0, len(links))
	for _, l := range links {
		n := &html.Node{Type: html.ElementNode, Data: "link", DataAtom: atom.Link}
		add := func(k, v string) {
			if v != "" {
				n.Attr = append(n.Attr, html.Attribute{Key: k, Val: v})
			}
		}
		add("rel", l.Rel)
		add("fetchpriority", l.FetchPriority)
		add("as", l.As)
		add("href", l.Href)
		add("imagesrcset", l.ImageSrcset)
		add("imagesizes", l.ImageSizes)
		add("crossorigin", l.CrossOrigin)
		add("media", l.MediaQuery())
		nodes = append(nodes, n)
	}
	return nodes
}

// Package preload decides which resources deserve preload hints during a document pass.
package preload

import (
	"regexp"
	"strings"

	"github.com/SohamPatel46/performance/internal/aggregate"
	"github.com/SohamPatel46/performance/internal/urlmetric"
)

// Tag is the element currently visited by a document pass.
type Tag interface {
	TagName() string
	Attr(name string) (string, bool)
	XPath() string
}

var backgroundURL = regexp.MustCompile(`(?i)background(?:-image)?\s*:[^;]*?url\(([^)]*)\)`)

// BackgroundImageURL extracts the first url() of a background or background-image
// declaration in an inline style. Data URLs and empty urls are ignored.
func BackgroundImageURL(style string) (string, bool) {
	m := backgroundURL.FindStringSubmatch(style)
	if m == nil {
		return "", false
	}
	u := unquote(strings.TrimSpace(m[1]))
	if u == "" || strings.HasPrefix(strings.ToLower(u), "data:") {
		return "", false
	}
	return u, true
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

type pendingImage struct {
	group *aggregate.Group
	image urlmetric.BackgroundImage
}

// Selector emits background image preloads for one document pass. Call Reset before
// each pass.
type Selector struct {
	collection *aggregate.Collection
	links      *LinkCollection

	primed  bool
	pending []pendingImage
}

func NewSelector(collection *aggregate.Collection, links *LinkCollection) *Selector {
	return &Selector{collection: collection, links: links}
}

func (s *Selector) Reset() {
	s.primed = false
	s.pending = nil
}

// Pending reports how many consensus images are still waiting for their element.
func (s *Selector) Pending() int { return len(s.pending) }

// Visit inspects one element. It returns true when the element carries an inline
// background image, which bypasses the consensus path.
func (s *Selector) Visit(tag Tag) bool {
	style, _ := tag.Attr("style")
	if href, ok := BackgroundImageURL(style); ok {
		for g := range s.collection.GroupsByLCPElement(tag.XPath()) {
			s.links.Add(ImageLink(href, g.MinimumViewportWidth(), g.MaximumViewportWidth()))
		}
		return true
	}

	if !s.primed {
		s.prime()
	}
	if len(s.pending) == 0 {
		return false
	}

	kept := s.pending[:0]
	for _, p := range s.pending {
		if matches(tag, p.image) {
			s.links.Add(ImageLink(p.image.URL, p.group.MinimumViewportWidth(), p.group.MaximumViewportWidth()))
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	return false
}

// prime records, per complete group, the external background image every retained
// sample agrees on for its LCP element.
func (s *Selector) prime() {
	s.primed = true
	for g := range s.collection.All() {
		if !g.IsComplete() {
			continue
		}
		if img, ok := unanimousImage(g); ok {
			s.pending = append(s.pending, pendingImage{group: g, image: img})
		}
	}
}

func unanimousImage(g *aggregate.Group) (urlmetric.BackgroundImage, bool) {
	var common *urlmetric.BackgroundImage
	for m := range g.All() {
		el := m.LCPElement()
		if el == nil || el.ExternalBackgroundImage == nil {
			return urlmetric.BackgroundImage{}, false
		}
		if common == nil {
			common = el.ExternalBackgroundImage
			continue
		}
		if !common.Equal(*el.ExternalBackgroundImage) {
			return urlmetric.BackgroundImage{}, false
		}
	}
	if common == nil {
		return urlmetric.BackgroundImage{}, false
	}
	return *common, true
}

func matches(tag Tag, img urlmetric.BackgroundImage) bool {
	if !strings.EqualFold(tag.TagName(), img.Tag) {
		return false
	}
	return attrEquals(tag, "id", img.ID) && attrEquals(tag, "class", img.Class)
}

func attrEquals(tag Tag, name string, want *string) bool {
	v, ok := tag.Attr(name)
	if want == nil {
		return !ok
	}
	return ok && v == *want
}

// Package rewrite runs one optimization pass over an HTML document using the URL Metrics
// aggregated for its URL.
package rewrite

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/SohamPatel46/performance/internal/aggregate"
	"github.com/SohamPatel46/performance/internal/preload"
)

type Result struct {
	// Links holds every preload link appended to <head>.
	Links []preload.Link
	// ImageLinks and BackgroundLinks count links by the visitor that produced them.
	ImageLinks      int
	BackgroundLinks int
	// DetectionNeeded is true while any group still needs samples.
	DetectionNeeded bool
}

// element adapts an html.Node to preload.Tag.
type element struct {
	n     *html.Node
	xpath string
}

func (e element) TagName() string { return strings.ToUpper(e.n.Data) }

func (e element) XPath() string { return e.xpath }

func (e element) Attr(name string) (string, bool) {
	for _, a := range e.n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

// Document parses r, applies preload and loading hints, and writes the result to w.
func Document(w io.Writer, r io.Reader, c *aggregate.Collection) (Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Result{}, fmt.Errorf("parse document: %w", err)
	}
	res := Pass(doc, c)
	if err := html.Render(w, doc); err != nil {
		return Result{}, fmt.Errorf("render document: %w", err)
	}
	return res, nil
}

// Pass rewrites a parsed document in place.
func Pass(doc *html.Node, c *aggregate.Collection) Result {
	bgLinks := preload.NewLinkCollection()
	imgLinks := preload.NewLinkCollection()
	sel := preload.NewSelector(c, bgLinks)
	sel.Reset()

	var head *html.Node
	walk(doc, "", false, func(e element, inBody bool) {
		if e.n.DataAtom == atom.Head && head == nil {
			head = e.n
		}
		if !inBody {
			return
		}
		if sel.Visit(e) {
			return
		}
		if e.n.DataAtom == atom.Img {
			visitImage(e, c, imgLinks)
		}
	})

	res := Result{DetectionNeeded: !c.IsEveryGroupComplete()}
	for _, lc := range []*preload.LinkCollection{imgLinks, bgLinks} {
		res.Links = append(res.Links, lc.Links()...)
		if head != nil {
			for _, n := range lc.Nodes() {
				head.AppendChild(n)
			}
		}
	}
	res.ImageLinks = imgLinks.Len()
	res.BackgroundLinks = bgLinks.Len()
	return res
}

// walk visits element nodes in document order with breadcrumbs in the client format
// /*[i][self::TAG].
func walk(n *html.Node, prefix string, inBody bool, visit func(e element, inBody bool)) {
	i := 0
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type != html.ElementNode {
			continue
		}
		i++
		xpath := fmt.Sprintf("%s/*[%d][self::%s]", prefix, i, strings.ToUpper(ch.Data))
		childInBody := inBody || ch.DataAtom == atom.Body
		visit(element{n: ch, xpath: xpath}, childInBody)
		if ch.DataAtom == atom.Template {
			continue
		}
		walk(ch, xpath, childInBody, visit)
	}
}

func visitImage(e element, c *aggregate.Collection, links *preload.LinkCollection) {
	src, _ := e.Attr("src")
	srcset, _ := e.Attr("srcset")
	if strings.HasPrefix(src, "data:") {
		src = ""
	}

	if src != "" || srcset != "" {
		sizes, _ := e.Attr("sizes")
		crossorigin, _ := e.Attr("crossorigin")
		for g := range c.GroupsByLCPElement(e.xpath) {
			l := preload.ImageLink(src, g.MinimumViewportWidth(), g.MaximumViewportWidth())
			l.ImageSrcset = srcset
			l.ImageSizes = sizes
			l.CrossOrigin = crossorigin
			links.Add(l)
		}
	}

	if lcp := c.CommonLCPElement(); lcp != nil && lcp.XPath == e.xpath && c.IsEveryGroupComplete() {
		setAttr(e.n, "fetchpriority", "high")
	}

	if !c.IsAnyGroupPopulated() {
		return
	}
	ratio, seen := c.ElementMaxIntersectionRatio(e.xpath)
	switch {
	case seen && ratio > 0:
		if v, _ := e.Attr("loading"); strings.EqualFold(v, "lazy") {
			removeAttr(e.n, "loading")
		}
	case seen && c.IsEveryGroupPopulated():
		setAttr(e.n, "loading", "lazy")
	}
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			continue
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

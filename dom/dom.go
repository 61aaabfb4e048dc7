// Package dom models rendered record elements as opaque handles so the
// extractor can run against a live browser page or a static HTML snapshot.
package dom

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrUnavailable marks failures of the rendering surface itself (closed
// page, detached target, dead browser). Anything wrapping it is fatal to a
// harvest run.
var ErrUnavailable = errors.New("dom: rendering surface unavailable")

// Element is a handle to one rendered element.
type Element interface {
	// Attribute returns the named attribute; ok is false when it is absent.
	Attribute(name string) (value string, ok bool, err error)
	// Text returns the rendered text content.
	Text() (string, error)
	// QueryAll returns descendants matching a CSS selector in document order.
	QueryAll(selector string) ([]Element, error)
}

// Unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// First returns the first element matched by the first selector in
// selectors that matches anything.
func First(el Element, selectors []string) (Element, bool, error) {
	for _, sel := range selectors {
		if strings.TrimSpace(sel) == "" {
			continue
		}
		found, err := el.QueryAll(sel)
		if err != nil {
			return nil, false, err
		}
		if len(found) > 0 {
			return found[0], true, nil
		}
	}
	return nil, false, nil
}

// FirstAll returns every element matched by the first selector in
// selectors that matches anything.
func FirstAll(el Element, selectors []string) ([]Element, error) {
	for _, sel := range selectors {
		if strings.TrimSpace(sel) == "" {
			continue
		}
		found, err := el.QueryAll(sel)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found, nil
		}
	}
	return nil, nil
}

// Selection adapts a goquery selection to Element.
type Selection struct {
	sel *goquery.Selection
}

// FromSelection wraps a single-node goquery selection.
func FromSelection(sel *goquery.Selection) *Selection {
	return &Selection{sel: sel}
}

func (s *Selection) Attribute(name string) (string, bool, error) {
	v, ok := s.sel.Attr(name)
	return v, ok, nil
}

func (s *Selection) Text() (string, error) {
	return s.sel.Text(), nil
}

func (s *Selection) QueryAll(selector string) ([]Element, error) {
	return Split(s.sel.Find(selector)), nil
}

// Split turns a multi-node selection into one Element per node.
func Split(sel *goquery.Selection) []Element {
	out := make([]Element, 0, sel.Length())
	sel.Each(func(_ int, node *goquery.Selection) {
		out = append(out, FromSelection(node))
	})
	return out
}

// Snapshot is a parsed, immutable HTML document.
type Snapshot struct {
	doc *goquery.Document
}

// ParseSnapshot parses an HTML document.
func ParseSnapshot(r io.Reader) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html snapshot: %w", err)
	}
	return &Snapshot{doc: doc}, nil
}

// ParseSnapshotString parses an HTML document held in memory.
func ParseSnapshotString(html string) (*Snapshot, error) {
	return ParseSnapshot(strings.NewReader(html))
}

// Query returns the elements matching selector in document order.
func (s *Snapshot) Query(selector string) []Element {
	return Split(s.doc.Find(selector))
}

// Text returns the text of the document body.
func (s *Snapshot) Text() string {
	return s.doc.Find("body").Text()
}

// Len returns the size of the rendered markup, used as a stand-in for
// scroll height by snapshot-backed surfaces.
func (s *Snapshot) Len() int {
	html, err := s.doc.Html()
	if err != nil {
		return 0
	}
	return len(html)
}

package parser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// Page is fetched content shared by every strategy evaluated against it.
// Parsed forms are built lazily and reused. A Page is not safe for
// concurrent use.
type Page struct {
	URL  string
	Body []byte

	resp    *types.Response
	doc     *goquery.Document
	docErr  error
	blocks  []string
	scanned bool
}

// NewPage wraps raw page content.
func NewPage(url string, body []byte) *Page {
	return &Page{URL: url, Body: body}
}

// PageFromResponse wraps a fetch response.
func PageFromResponse(resp *types.Response) *Page {
	url := resp.FinalURL
	if url == "" && resp.Request != nil {
		url = resp.Request.URLString()
	}
	p := NewPage(url, resp.Body)
	p.resp = resp
	return p
}

// Document returns the parsed goquery document. A page built from a
// response shares the response's document.
func (p *Page) Document() (*goquery.Document, error) {
	if p.doc == nil && p.docErr == nil {
		if p.resp != nil {
			p.doc, p.docErr = p.resp.Document()
		} else {
			p.doc, p.docErr = goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
		}
	}
	return p.doc, p.docErr
}

// Root returns the parsed HTML root node.
func (p *Page) Root() (*html.Node, error) {
	doc, err := p.Document()
	if err != nil {
		return nil, err
	}
	return doc.Nodes[0], nil
}

// JSONBlocks returns the JSON documents embedded in the page: the body
// itself when it is JSON, otherwise every ld+json script block.
func (p *Page) JSONBlocks() []string {
	if p.scanned {
		return p.blocks
	}
	p.scanned = true

	trimmed := bytes.TrimSpace(p.Body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && gjson.ValidBytes(trimmed) {
		p.blocks = []string{string(trimmed)}
		return p.blocks
	}

	doc, err := p.Document()
	if err != nil {
		return nil
	}
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		raw := strings.TrimSpace(sel.Text())
		if raw != "" && gjson.Valid(raw) {
			p.blocks = append(p.blocks, raw)
		}
	})
	return p.blocks
}

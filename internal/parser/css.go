package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// attrName matches what may follow the last "|" of a selector rule.
var attrName = regexp.MustCompile(`^[A-Za-z_:][-A-Za-z0-9_:.]*$`)

// bareAttrValue matches an attribute selector whose value is unquoted.
var bareAttrValue = regexp.MustCompile(`\[\s*([-\w:.]+)\s*([~|^$*]?=)\s*([^\]"'\s]+)\s*\]`)

// quoteAttrValues quotes bare attribute values so store rules such as
// meta[property=og:image] compile.
func quoteAttrValues(selector string) string {
	return bareAttrValue.ReplaceAllString(selector, `[$1$2"$3"]`)
}

// CSSStrategy evaluates "selector" rules. A rule of the form
// "selector|attribute" reads an attribute; otherwise the element text.
type CSSStrategy struct{}

// NewCSSStrategy creates a CSS selector strategy.
func NewCSSStrategy() *CSSStrategy { return &CSSStrategy{} }

func (s *CSSStrategy) Type() types.RuleType { return types.RuleSelector }

// SplitSelector separates a rule value into the CSS selector and the
// attribute after the last "|". Attribute is empty in text mode.
func SplitSelector(value string) (selector, attribute string) {
	i := strings.LastIndex(value, "|")
	if i < 0 {
		return strings.TrimSpace(value), ""
	}
	attr := strings.TrimSpace(value[i+1:])
	if !attrName.MatchString(attr) {
		// "|=" inside an attribute selector, not a delimiter
		return strings.TrimSpace(value), ""
	}
	return strings.TrimSpace(value[:i]), attr
}

func (s *CSSStrategy) Extract(page *Page, value string) (string, bool, error) {
	selector, attr := SplitSelector(value)
	matcher, err := cascadia.Compile(quoteAttrValues(selector))
	if err != nil {
		return "", false, err
	}
	doc, err := page.Document()
	if err != nil {
		return "", false, err
	}

	var out string
	found := false
	doc.FindMatcher(matcher).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var val string
		switch attr {
		case "":
			val = strings.TrimSpace(sel.Text())
		case "html", "innerHTML":
			val, _ = sel.Html()
		case "outerHTML":
			val, _ = goquery.OuterHtml(sel)
		default:
			val, _ = sel.Attr(attr)
			val = strings.TrimSpace(val)
		}
		if val == "" {
			return true
		}
		out, found = val, true
		return false
	})
	return out, found, nil
}

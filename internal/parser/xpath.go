package parser

import (
	"strings"

	"github.com/antchfx/htmlquery"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// XPathStrategy evaluates "xpath" rules. Attribute expressions such as
// //meta[@property="og:title"]/@content yield the attribute value.
type XPathStrategy struct{}

// NewXPathStrategy creates an XPath strategy.
func NewXPathStrategy() *XPathStrategy { return &XPathStrategy{} }

func (s *XPathStrategy) Type() types.RuleType { return types.RuleXPath }

func (s *XPathStrategy) Extract(page *Page, value string) (string, bool, error) {
	root, err := page.Root()
	if err != nil {
		return "", false, err
	}
	nodes, err := htmlquery.QueryAll(root, value)
	if err != nil {
		return "", false, err
	}
	for _, node := range nodes {
		if val := strings.TrimSpace(htmlquery.InnerText(node)); val != "" {
			return val, true, nil
		}
	}
	return "", false, nil
}

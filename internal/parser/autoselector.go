package parser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// AutoSelectorGenerator derives stable CSS selector rules for elements
// found by loose heuristics.
type AutoSelectorGenerator struct {
	logger *zap.Logger
}

// NewAutoSelectorGenerator creates a new auto-selector generator.
func NewAutoSelectorGenerator(logger *zap.Logger) *AutoSelectorGenerator {
	return &AutoSelectorGenerator{
		logger: logger.With(zap.String("component", "auto_selector")),
	}
}

// SelectorCandidate represents a generated selector with a confidence score.
type SelectorCandidate struct {
	Selector    string  `json:"selector"`
	Specificity int     `json:"specificity"` // Higher = more specific
	MatchCount  int     `json:"match_count"` // How many elements this matches
	Score       float64 `json:"score"`       // Confidence score (0-1)
}

// GenerateForText finds leaf-ish elements whose text contains text and
// generates selectors for them, best first.
func (asg *AutoSelectorGenerator) GenerateForText(page *Page, text string) ([]SelectorCandidate, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}

	var candidates []SelectorCandidate
	doc.Find("body *").Each(func(_ int, sel *goquery.Selection) {
		if sel.Children().Length() > 0 {
			return
		}
		nodeText := strings.TrimSpace(sel.Text())
		if nodeText == "" || !strings.Contains(nodeText, text) {
			return
		}
		candidates = append(candidates, scoreCandidates(doc, sel)...)
	})

	sortCandidates(candidates)
	if len(candidates) > 10 {
		candidates = candidates[:10]
	}
	return candidates, nil
}

// BestRule walks the leaf elements matched by basicSelector and returns a
// selector rule for the first one whose text satisfies accept, together
// with that text. Selectors are generated for every element carrying that
// text and must resolve back to the same value.
func (asg *AutoSelectorGenerator) BestRule(page *Page, basicSelector string, accept func(string) bool) (types.ExtractionRule, string, bool) {
	doc, err := page.Document()
	if err != nil {
		return types.ExtractionRule{}, "", false
	}

	var (
		rule  types.ExtractionRule
		value string
		found bool
	)
	css := NewCSSStrategy()
	doc.Find(basicSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.Children().Length() > 0 {
			return true
		}
		text := strings.TrimSpace(sel.Text())
		if text == "" || !accept(text) {
			return true
		}
		candidates, err := asg.GenerateForText(page, text)
		if err != nil {
			return false
		}
		for _, c := range candidates {
			got, ok, err := css.Extract(page, c.Selector)
			if err != nil || !ok || got != text {
				continue
			}
			rule = types.ExtractionRule{Type: types.RuleSelector, Value: c.Selector}
			value, found = text, true
			return false
		}
		return true
	})
	if found {
		asg.logger.Debug("generated selector", zap.String("url", page.URL), zap.String("selector", rule.Value))
	}
	return rule, value, found
}

func scoreCandidates(doc *goquery.Document, sel *goquery.Selection) []SelectorCandidate {
	selectors := generateSelectorsForElement(sel)
	for i := range selectors {
		count := doc.Find(selectors[i].Selector).Length()
		selectors[i].MatchCount = count
		switch {
		case count == 0:
			selectors[i].Score = 0
		case count == 1:
			selectors[i].Score = 1.0
		case count <= 3:
			selectors[i].Score = 0.8
		default:
			selectors[i].Score = 1 / float64(count)
		}
	}
	return selectors
}

// generateSelectorsForElement creates multiple selector strategies for an element.
func generateSelectorsForElement(sel *goquery.Selection) []SelectorCandidate {
	var candidates []SelectorCandidate
	tag := goquery.NodeName(sel)

	if id, exists := sel.Attr("id"); exists && id != "" {
		candidates = append(candidates, SelectorCandidate{
			Selector:    "#" + cssEscape(id),
			Specificity: 100,
		})
	}

	for _, a := range []string{"itemprop", "data-testid", "data-price", "data-test", "name"} {
		if val, exists := sel.Attr(a); exists && val != "" {
			candidates = append(candidates, SelectorCandidate{
				Selector:    fmt.Sprintf(`%s[%s="%s"]`, tag, a, val),
				Specificity: 50,
			})
		}
	}

	if class, exists := sel.Attr("class"); exists && class != "" {
		classes := strings.Fields(class)
		for _, c := range classes {
			candidates = append(candidates, SelectorCandidate{
				Selector:    tag + "." + cssEscape(c),
				Specificity: 20,
			})
		}
		if len(classes) > 1 {
			combined := tag
			for _, c := range classes {
				combined += "." + cssEscape(c)
			}
			candidates = append(candidates, SelectorCandidate{
				Selector:    combined,
				Specificity: 10 + len(classes)*10,
			})
		}
	}

	if path := buildElementPath(sel, 3); path != "" {
		candidates = append(candidates, SelectorCandidate{
			Selector:    path,
			Specificity: 30,
		})
	}

	return candidates
}

// buildElementPath constructs a CSS path from ancestors.
func buildElementPath(sel *goquery.Selection, maxDepth int) string {
	var parts []string
	current := sel

	for i := 0; i < maxDepth; i++ {
		tag := goquery.NodeName(current)
		if tag == "" || tag == "html" || tag == "body" {
			break
		}

		part := tag
		if id, exists := current.Attr("id"); exists && id != "" {
			parts = append([]string{"#" + cssEscape(id)}, parts...)
			break
		}
		if class, exists := current.Attr("class"); exists {
			if classes := strings.Fields(class); len(classes) > 0 {
				part += "." + cssEscape(classes[0])
			}
		}

		parts = append([]string{part}, parts...)
		current = current.Parent()
	}

	return strings.Join(parts, " > ")
}

var cssEscaper = strings.NewReplacer(
	":", `\:`,
	".", `\.`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"/", `\/`,
	" ", `\ `,
)

// cssEscape escapes special characters in CSS selectors.
func cssEscape(s string) string {
	return cssEscaper.Replace(s)
}

// sortCandidates sorts by score descending, then specificity descending.
func sortCandidates(candidates []SelectorCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Specificity > candidates[j].Specificity
	})
}

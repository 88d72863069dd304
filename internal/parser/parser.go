package parser

import (
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// Strategy evaluates one kind of rule against a page and returns the first
// match. A missing match is ("", false, nil); a malformed rule is an error.
type Strategy interface {
	Type() types.RuleType
	Extract(page *Page, value string) (string, bool, error)
}

// Extractor dispatches rules to the strategy for their type and applies
// the rule's literal affixes.
type Extractor struct {
	css    *CSSStrategy
	xpath  *XPathStrategy
	regex  *RegexStrategy
	json   *JSONStrategy
	logger *zap.Logger
}

// NewExtractor creates an extractor with every built-in strategy.
func NewExtractor(logger *zap.Logger) *Extractor {
	return &Extractor{
		css:    NewCSSStrategy(),
		xpath:  NewXPathStrategy(),
		regex:  NewRegexStrategy(),
		json:   NewJSONStrategy(),
		logger: logger.With(zap.String("component", "extractor")),
	}
}

// strategyFor resolves the strategy for a rule type. An empty type is a
// CSS selector.
func (e *Extractor) strategyFor(t types.RuleType) (Strategy, error) {
	switch t {
	case types.RuleSelector, "":
		return e.css, nil
	case types.RuleXPath:
		return e.xpath, nil
	case types.RuleRegex:
		return e.regex, nil
	case types.RuleJSON:
		return e.json, nil
	default:
		return nil, types.ErrInvalidRule
	}
}

// Extract evaluates rule against page. It returns ok=false when the rule is
// empty or nothing matched, and a *types.ParseError when the rule itself is
// malformed.
func (e *Extractor) Extract(page *Page, rule types.ExtractionRule) (string, bool, error) {
	if rule.IsZero() {
		return "", false, nil
	}
	s, err := e.strategyFor(rule.Type)
	if err != nil {
		return "", false, &types.ParseError{URL: page.URL, Rule: string(rule.Type) + ":" + rule.Value, Err: err}
	}
	match, ok, err := s.Extract(page, rule.Value)
	if err != nil {
		return "", false, &types.ParseError{URL: page.URL, Rule: rule.Value, Err: err}
	}
	if !ok {
		return "", false, nil
	}
	return rule.Prepend + match + rule.Append, true, nil
}

// ExtractAll evaluates each rule in rs for the given fields. Malformed rules
// are logged and yield no value.
func (e *Extractor) ExtractAll(page *Page, rs types.RuleSet, fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		rule, ok := rs.Rule(field)
		if !ok {
			continue
		}
		v, found, err := e.Extract(page, rule)
		if err != nil {
			e.logger.Debug("rule failed", zap.String("field", field), zap.Error(err))
			continue
		}
		if found {
			out[field] = v
		}
	}
	return out
}

package parser

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// JSONStrategy evaluates "json" rules: a gjson path applied to a JSON body
// or, for HTML pages, to each embedded ld+json block in turn.
type JSONStrategy struct{}

// NewJSONStrategy creates a JSON path strategy.
func NewJSONStrategy() *JSONStrategy { return &JSONStrategy{} }

func (s *JSONStrategy) Type() types.RuleType { return types.RuleJSON }

func (s *JSONStrategy) Extract(page *Page, value string) (string, bool, error) {
	path := strings.TrimSpace(value)
	if path == "" || strings.ContainsAny(path, "\n\r") {
		return "", false, eris.Errorf("invalid json path %q", value)
	}
	for _, block := range page.JSONBlocks() {
		res := gjson.Get(block, path)
		if v, ok := resultString(res); ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// resultString flattens a gjson result to its first scalar value.
func resultString(res gjson.Result) (string, bool) {
	if !res.Exists() {
		return "", false
	}
	if res.IsArray() {
		for _, item := range res.Array() {
			if v, ok := resultString(item); ok {
				return v, true
			}
		}
		return "", false
	}
	var v string
	switch res.Type {
	case gjson.Number:
		v = res.Raw
	case gjson.Null:
		return "", false
	default:
		v = res.String()
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

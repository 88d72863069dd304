package parser

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// RegexStrategy evaluates "regex" rules against the raw body. Patterns may
// be bare or wrapped in delimiters with trailing flags, e.g. ~"sku":"(.+?)"~i.
type RegexStrategy struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewRegexStrategy creates a regex strategy with a compiled-pattern cache.
func NewRegexStrategy() *RegexStrategy {
	return &RegexStrategy{cache: make(map[string]*regexp.Regexp)}
}

func (s *RegexStrategy) Type() types.RuleType { return types.RuleRegex }

func (s *RegexStrategy) Extract(page *Page, value string) (string, bool, error) {
	re, err := s.getOrCompile(value)
	if err != nil {
		return "", false, err
	}
	match := re.FindStringSubmatch(string(page.Body))
	if match == nil {
		return "", false, nil
	}

	// Named groups win, then the first group, then the whole match.
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) && match[i] != "" {
			return match[i], true, nil
		}
	}
	if re.NumSubexp() > 0 {
		if match[1] == "" {
			return "", false, nil
		}
		return match[1], true, nil
	}
	return match[0], true, nil
}

// getOrCompile returns a cached compiled regex or compiles and caches a new one.
func (s *RegexStrategy) getOrCompile(pattern string) (*regexp.Regexp, error) {
	s.mu.RLock()
	re, ok := s.cache[pattern]
	s.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(stripDelimiters(pattern))
	if err != nil {
		return nil, eris.Wrapf(err, "invalid regex %q", pattern)
	}

	s.mu.Lock()
	s.cache[pattern] = re
	s.mu.Unlock()
	return re, nil
}

// stripDelimiters turns "/body/flags" style patterns into Go syntax.
func stripDelimiters(pattern string) string {
	if len(pattern) < 2 {
		return pattern
	}
	delim := pattern[0]
	if !strings.ContainsRune("/~#", rune(delim)) {
		return pattern
	}
	end := strings.LastIndexByte(pattern, delim)
	if end <= 0 {
		return pattern
	}
	flags := pattern[end+1:]
	var goFlags strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's', 'U':
			goFlags.WriteRune(f)
		case 'u', 'x', 'D':
			// no Go equivalent needed
		default:
			return pattern
		}
	}
	body := pattern[1:end]
	if goFlags.Len() > 0 {
		return "(?" + goFlags.String() + ")" + body
	}
	return body
}

package types

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Fetcher kinds a store can ask for.
const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"
)

// Request describes a single page fetch.
type Request struct {
	// URL is the target URL to fetch.
	URL *url.URL

	// Method is the HTTP method. Defaults to GET.
	Method string

	// Headers are custom HTTP headers to send with the request.
	Headers http.Header

	// ConnectTimeout bounds dialing the remote host.
	ConnectTimeout time.Duration

	// Timeout bounds the whole request including the body read.
	Timeout time.Duration

	// UseCache allows a cached body to satisfy the request.
	UseCache bool

	// CacheTTL is how long a fresh body stays cached.
	CacheTTL time.Duration

	// FetcherType specifies which fetcher to use: "http" or "browser".
	FetcherType string

	// Options are store-specific scraper options (wait_selector, headers, ...).
	Options map[string]any

	// CreatedAt is when this request was created.
	CreatedAt time.Time

	// ID is a unique identifier for this request.
	ID string
}

// NewRequest creates a GET request for rawURL. Only absolute http(s) URLs
// are accepted.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidURL, "parse %q: %v", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Wrapf(ErrInvalidURL, "%q is not an absolute http(s) URL", rawURL)
	}

	return &Request{
		URL:         u,
		Method:      http.MethodGet,
		Headers:     make(http.Header),
		FetcherType: FetcherHTTP,
		Options:     make(map[string]any),
		CreatedAt:   time.Now(),
		ID:          uuid.NewString(),
	}, nil
}

// URLString returns the string representation of the request URL.
func (r *Request) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// Domain returns the hostname of the request URL.
func (r *Request) Domain() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Hostname()
}

// OptionString reads a string scraper option, returning "" when unset.
func (r *Request) OptionString(key string) string {
	if v, ok := r.Options[key].(string); ok {
		return v
	}
	return ""
}

// Clone creates a deep copy of the request.
func (r *Request) Clone() *Request {
	clone := *r
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	clone.Headers = r.Headers.Clone()
	clone.Options = make(map[string]any, len(r.Options))
	for k, v := range r.Options {
		clone.Options[k] = v
	}
	return &clone
}

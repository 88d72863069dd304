package types

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// IsProductPage is the outcome of classifying a URL.
type IsProductPage int

// Classification states. NotProcessed is the only non-terminal state. No is
// reserved and never produced.
const (
	NotProcessed IsProductPage = iota
	YesViaStore
	YesViaAutoCreate
	Maybe
	No
)

var productPageNames = map[IsProductPage]string{
	NotProcessed:     "not_processed",
	YesViaStore:      "yes_via_store",
	YesViaAutoCreate: "yes_via_auto_create",
	Maybe:            "maybe",
	No:               "no",
}

func (p IsProductPage) String() string {
	if s, ok := productPageNames[p]; ok {
		return s
	}
	return "unknown"
}

// IsTerminal reports whether classification has finished.
func (p IsProductPage) IsTerminal() bool { return p != NotProcessed }

// MarshalText encodes the state by name.
func (p IsProductPage) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a state name.
func (p *IsProductPage) UnmarshalText(b []byte) error {
	for k, v := range productPageNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	return eris.Errorf("unknown classification %q", string(b))
}

// RawResult is one search provider hit, in relevance order.
type RawResult struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// CandidateURL is a RawResult under evaluation during a research run.
type CandidateURL struct {
	RawResult
	Domain          string            `json:"domain"`
	Relevance       int               `json:"relevance"`
	StoreID         *int64            `json:"store_id"`
	IsProductPage   IsProductPage     `json:"is_product_page"`
	Price           *float64          `json:"price"`
	Image           string            `json:"image,omitempty"`
	HTML            string            `json:"-"`
	Strategies      RuleSet           `json:"strategies,omitempty"`
	ExtractedFields map[string]string `json:"extracted_fields,omitempty"`
	ExecutionTime   float64           `json:"execution_time"`
	Cached          bool              `json:"cached"`
}

// ToRecord projects the persisted columns of the candidate.
func (c *CandidateURL) ToRecord() *ResearchRecord {
	return &ResearchRecord{
		URL:           c.URL,
		Title:         c.Title,
		HTML:          c.HTML,
		Image:         c.Image,
		Price:         c.Price,
		StoreID:       c.StoreID,
		Strategies:    c.Strategies,
		ExecutionTime: c.ExecutionTime,
	}
}

// ApplyRecord copies persisted extraction results onto the candidate.
func (c *CandidateURL) ApplyRecord(r *ResearchRecord) {
	c.HTML = r.HTML
	c.Image = r.Image
	c.Price = r.Price
	c.Strategies = r.Strategies
	c.ExecutionTime = r.ExecutionTime
	if c.StoreID == nil {
		c.StoreID = r.StoreID
	}
}

// ResearchRecord is the persisted form of a CandidateURL, unique by URL.
type ResearchRecord struct {
	ID            int64     `json:"id" bson:"-"`
	URL           string    `json:"url" bson:"url"`
	HTML          string    `json:"html,omitempty" bson:"html"`
	Title         string    `json:"title" bson:"title"`
	Image         string    `json:"image,omitempty" bson:"image"`
	Price         *float64  `json:"price" bson:"price"`
	StoreID       *int64    `json:"store_id" bson:"store_id"`
	Strategies    RuleSet   `json:"strategies,omitempty" bson:"strategies"`
	ExecutionTime float64   `json:"execution_time" bson:"execution_time"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

// StrategiesJSON encodes the strategies column.
func (r *ResearchRecord) StrategiesJSON() (string, error) {
	if len(r.Strategies) == 0 {
		return "", nil
	}
	b, err := json.Marshal(r.Strategies)
	if err != nil {
		return "", eris.Wrap(err, "encode strategies")
	}
	return string(b), nil
}

// SetStrategiesJSON decodes the strategies column.
func (r *ResearchRecord) SetStrategiesJSON(s string) error {
	if s == "" {
		r.Strategies = nil
		return nil
	}
	var rs RuleSet
	if err := json.Unmarshal([]byte(s), &rs); err != nil {
		return eris.Wrap(err, "decode strategies")
	}
	r.Strategies = rs
	return nil
}

// ProgressLogEntry is one line of a research run's progress log.
type ProgressLogEntry struct {
	Message   string            `json:"message"`
	Data      map[string]string `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

// Mode controls side effects of an extraction call. Probe suppresses error
// logs and notifications.
type Mode int

const (
	Live Mode = iota
	Probe
)

func (m Mode) String() string {
	if m == Probe {
		return "probe"
	}
	return "live"
}

// ScrapeResult is the outcome of a store-driven scrape. Empty strings stand
// for fields that were not found.
type ScrapeResult struct {
	URL         string   `json:"url"`
	StoreID     int64    `json:"store_id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Price       string   `json:"price,omitempty"`
	Image       string   `json:"image,omitempty"`
	Body        string   `json:"-"`
	Errors      []string `json:"errors,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Attempts    int      `json:"attempts"`
}

// Field returns the extracted value of a field by name.
func (r *ScrapeResult) Field(name string) string {
	switch name {
	case FieldTitle:
		return r.Title
	case FieldDescription:
		return r.Description
	case FieldPrice:
		return r.Price
	case FieldImage:
		return r.Image
	}
	return ""
}

// SetField sets an extracted value by field name.
func (r *ScrapeResult) SetField(name, value string) {
	switch name {
	case FieldTitle:
		r.Title = value
	case FieldDescription:
		r.Description = value
	case FieldPrice:
		r.Price = value
	case FieldImage:
		r.Image = value
	}
}

// Complete reports whether both required fields were found.
func (r *ScrapeResult) Complete() bool {
	return r.Title != "" && r.Price != ""
}

package storage

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// Exporter writes research candidates to a file.
type Exporter interface {
	Write(cands []*types.CandidateURL) error
	Close() error
	Name() string
}

// exportRow is the flat shape every export format shares.
type exportRow struct {
	Relevance     int      `json:"relevance"`
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	Domain        string   `json:"domain"`
	Snippet       string   `json:"snippet,omitempty"`
	StoreID       *int64   `json:"store_id"`
	IsProductPage string   `json:"is_product_page"`
	Price         *float64 `json:"price"`
	Image         string   `json:"image,omitempty"`
	Cached        bool     `json:"cached"`
	ExecutionTime float64  `json:"execution_time"`
}

func toRow(c *types.CandidateURL) exportRow {
	return exportRow{
		Relevance:     c.Relevance,
		Title:         c.Title,
		URL:           c.URL,
		Domain:        c.Domain,
		Snippet:       c.Snippet,
		StoreID:       c.StoreID,
		IsProductPage: c.IsProductPage.String(),
		Price:         c.Price,
		Image:         c.Image,
		Cached:        c.Cached,
		ExecutionTime: c.ExecutionTime,
	}
}

// csvHeaders is the CSV column order.
var csvHeaders = []string{
	"relevance", "title", "url", "domain", "store_id", "is_product_page",
	"price", "image", "cached", "execution_time",
}

func (r exportRow) csv() []string {
	storeID, price := "", ""
	if r.StoreID != nil {
		storeID = strconv.FormatInt(*r.StoreID, 10)
	}
	if r.Price != nil {
		price = strconv.FormatFloat(*r.Price, 'f', 2, 64)
	}
	return []string{
		strconv.Itoa(r.Relevance), r.Title, r.URL, r.Domain, storeID, r.IsProductPage,
		price, r.Image, strconv.FormatBool(r.Cached), strconv.FormatFloat(r.ExecutionTime, 'f', 3, 64),
	}
}

// --- JSON ---

// JSONExporter writes candidates as one JSON array on Close.
type JSONExporter struct {
	path   string
	rows   []exportRow
	mu     sync.Mutex
	logger *zap.Logger
}

// NewJSONExporter creates a JSON array exporter.
func NewJSONExporter(outputPath string, logger *zap.Logger) (*JSONExporter, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, eris.Wrap(err, "create output dir")
	}
	return &JSONExporter{
		path:   outputPath,
		rows:   make([]exportRow, 0),
		logger: logger.With(zap.String("component", "json_export")),
	}, nil
}

func (e *JSONExporter) Name() string { return "json" }

func (e *JSONExporter) Write(cands []*types.CandidateURL) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range cands {
		e.rows = append(e.rows, toRow(c))
	}
	return nil
}

func (e *JSONExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.Create(e.path)
	if err != nil {
		return eris.Wrap(err, "create output file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e.rows); err != nil {
		return eris.Wrap(err, "encode JSON")
	}
	e.logger.Info("JSON written", zap.String("path", e.path), zap.Int("rows", len(e.rows)))
	return nil
}

// --- JSONL ---

// JSONLExporter streams one JSON object per line.
type JSONLExporter struct {
	path   string
	file   *os.File
	enc    *json.Encoder
	mu     sync.Mutex
	count  int
	logger *zap.Logger
}

// NewJSONLExporter creates a newline-delimited JSON exporter.
func NewJSONLExporter(outputPath string, logger *zap.Logger) (*JSONLExporter, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, eris.Wrap(err, "create output dir")
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, eris.Wrap(err, "create output file")
	}
	return &JSONLExporter{
		path:   outputPath,
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger.With(zap.String("component", "jsonl_export")),
	}, nil
}

func (e *JSONLExporter) Name() string { return "jsonl" }

func (e *JSONLExporter) Write(cands []*types.CandidateURL) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range cands {
		if err := e.enc.Encode(toRow(c)); err != nil {
			return eris.Wrap(err, "encode JSONL")
		}
		e.count++
	}
	return nil
}

func (e *JSONLExporter) Close() error {
	e.logger.Info("JSONL written", zap.String("path", e.path), zap.Int("rows", e.count))
	return e.file.Close()
}

// --- CSV ---

// CSVExporter writes candidates as CSV rows under a fixed header.
type CSVExporter struct {
	path    string
	file    *os.File
	writer  *csv.Writer
	started bool
	mu      sync.Mutex
	count   int
	logger  *zap.Logger
}

// NewCSVExporter creates a CSV exporter.
func NewCSVExporter(outputPath string, logger *zap.Logger) (*CSVExporter, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, eris.Wrap(err, "create output dir")
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, eris.Wrap(err, "create output file")
	}
	return &CSVExporter{
		path:   outputPath,
		file:   f,
		writer: csv.NewWriter(f),
		logger: logger.With(zap.String("component", "csv_export")),
	}, nil
}

func (e *CSVExporter) Name() string { return "csv" }

func (e *CSVExporter) Write(cands []*types.CandidateURL) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		if err := e.writer.Write(csvHeaders); err != nil {
			return eris.Wrap(err, "write CSV header")
		}
		e.started = true
	}
	for _, c := range cands {
		if err := e.writer.Write(toRow(c).csv()); err != nil {
			return eris.Wrap(err, "write CSV row")
		}
		e.count++
	}
	e.writer.Flush()
	return e.writer.Error()
}

func (e *CSVExporter) Close() error {
	e.logger.Info("CSV written", zap.String("path", e.path), zap.Int("rows", e.count))
	e.writer.Flush()
	return e.file.Close()
}

// NewExporter creates the exporter for format: json, jsonl or csv.
func NewExporter(format, outputPath string, logger *zap.Logger) (Exporter, error) {
	switch format {
	case "json":
		return NewJSONExporter(outputPath, logger)
	case "jsonl":
		return NewJSONLExporter(outputPath, logger)
	case "csv":
		return NewCSVExporter(outputPath, logger)
	default:
		return nil, eris.Errorf("unsupported export format: %s", format)
	}
}

package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/types"
)

func ptr[T any](v T) *T { return &v }

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteUpsertResearchIsUniqueByURL(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	first := &types.ResearchRecord{
		URL:     "https://acme.example/widget",
		Title:   "Widget",
		Price:   ptr(19.99),
		StoreID: ptr(int64(1)),
		Strategies: types.RuleSet{
			types.FieldPrice: {Type: types.RuleSelector, Value: ".price"},
		},
		ExecutionTime: 0.25,
	}
	require.NoError(t, s.UpsertResearch(ctx, []*types.ResearchRecord{
		first,
		{URL: "https://blog.example/widgets", Title: "Widget history"},
	}))

	updated := *first
	updated.Price = ptr(17.5)
	require.NoError(t, s.UpsertResearch(ctx, []*types.ResearchRecord{&updated}))

	all, err := s.SearchResearch(ctx, ResearchFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := s.FindResearchByURLs(ctx, []string{"https://acme.example/widget", "https://missing.example"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	got := found["https://acme.example/widget"]
	require.NotNil(t, got.Price)
	assert.InDelta(t, 17.5, *got.Price, 0.001)
	assert.Equal(t, int64(1), *got.StoreID)
	assert.Equal(t, ".price", got.Strategies[types.FieldPrice].Value)
	assert.InDelta(t, 0.25, got.ExecutionTime, 0.0001)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	blog, err := s.FindResearchByURLs(ctx, []string{"https://blog.example/widgets"})
	require.NoError(t, err)
	assert.Nil(t, blog["https://blog.example/widgets"].Price)
	assert.Nil(t, blog["https://blog.example/widgets"].StoreID)
	assert.Empty(t, blog["https://blog.example/widgets"].Strategies)
}

func TestSQLiteSearchResearchFilters(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertResearch(ctx, []*types.ResearchRecord{
		{URL: "https://a.example/1", Title: "cheap", Price: ptr(5.0), StoreID: ptr(int64(1))},
		{URL: "https://a.example/2", Title: "mid", Price: ptr(50.0), StoreID: ptr(int64(2))},
		{URL: "https://a.example/3", Title: "dear", Price: ptr(500.0), StoreID: ptr(int64(1))},
		{URL: "https://a.example/4", Title: "unpriced"},
	}))

	tests := []struct {
		name   string
		filter ResearchFilter
		want   []string
	}{
		{"min", ResearchFilter{MinPrice: ptr(10.0)}, []string{"dear", "mid"}},
		{"max", ResearchFilter{MaxPrice: ptr(50.0)}, []string{"cheap", "mid"}},
		{"range", ResearchFilter{MinPrice: ptr(10.0), MaxPrice: ptr(100.0)}, []string{"mid"}},
		{"store", ResearchFilter{StoreID: ptr(int64(1))}, []string{"cheap", "dear"}},
		{"urls", ResearchFilter{URLs: []string{"https://a.example/4", "https://a.example/1"}}, []string{"cheap", "unpriced"}},
		{"limit", ResearchFilter{Limit: 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SearchResearch(ctx, tt.filter)
			require.NoError(t, err)
			if tt.filter.Limit > 0 {
				assert.Len(t, got, tt.filter.Limit)
				return
			}
			var titles []string
			for _, r := range got {
				assert.True(t, tt.filter.Matches(r))
				titles = append(titles, r.Title)
			}
			assert.ElementsMatch(t, tt.want, titles)
		})
	}
}

func TestSQLitePruneResearch(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return now.AddDate(0, 0, -40) }
	require.NoError(t, s.UpsertResearch(ctx, []*types.ResearchRecord{{URL: "https://old.example"}}))
	s.now = func() time.Time { return now }
	require.NoError(t, s.UpsertResearch(ctx, []*types.ResearchRecord{{URL: "https://new.example"}}))

	n, err := s.PruneResearch(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.SearchResearch(ctx, ResearchFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "https://new.example", left[0].URL)
}

func TestSQLiteProductsAndPrices(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	p := &types.Product{Title: "Widget", NotifyPrice: ptr(15.0)}
	require.NoError(t, s.CreateProduct(ctx, p))
	require.NotZero(t, p.ID)

	u := &types.ProductURL{ProductID: p.ID, StoreID: 1, URL: "https://acme.example/widget"}
	require.NoError(t, s.AddProductURL(ctx, u))
	require.NotZero(t, u.ID)

	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	for i, price := range []float64{20, 18, 19} {
		require.NoError(t, s.AddPrice(ctx, &types.PriceObservation{
			ProductID: p.ID, URLID: u.ID, StoreID: 1, Price: price,
			CreatedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		}))
	}

	history, err := s.PriceHistory(ctx, p.ID, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 18.0, history[0].Price)
	assert.Equal(t, 19.0, history[1].Price)
	assert.True(t, history[0].CreatedAt.Before(history[1].CreatedAt))

	entries := []types.PriceCacheEntry{{
		StoreID: 1, StoreName: "Acme", URLID: u.ID, URL: u.URL, Trend: types.TrendDown, Price: 19,
		History: types.History{{Date: "2026-01-11", Price: 18}, {Date: "2026-01-12", Price: 19}},
	}}
	require.NoError(t, s.SavePriceCache(ctx, p.ID, entries, 19))

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Widget", got.Title)
	assert.Equal(t, 19.0, got.CurrentPrice)
	require.NotNil(t, got.NotifyPrice)
	assert.Nil(t, got.NotifyPercent)
	assert.Equal(t, entries, got.PriceCache)
	require.Len(t, got.URLs, 1)
	assert.Equal(t, u.URL, got.URLs[0].URL)

	ids, err := s.ListProductIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{p.ID}, ids)
}

func TestSQLiteProductNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.GetProduct(ctx, 42)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.True(t, errors.Is(s.SavePriceCache(ctx, 42, nil, 0), types.ErrNotFound))
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return &PostgresStore{pool: mock, logger: zap.NewNop()}, mock
}

func TestPostgresUpsertResearch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO url_research .* ON CONFLICT \(url\) DO UPDATE`).
		WithArgs("https://acme.example/widget", "Widget", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), "", 0.5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertResearch(context.Background(), []*types.ResearchRecord{
		{URL: "https://acme.example/widget", Title: "Widget", Price: ptr(9.99), ExecutionTime: 0.5},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertResearchRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO url_research`).
		WithArgs(anyArgs(9)...).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.UpsertResearch(context.Background(), []*types.ResearchRecord{{URL: "https://acme.example/widget"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert research")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindResearchByURLs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	urls := []string{"https://a.example/1", "https://a.example/2"}

	mock.ExpectQuery(`SELECT .* FROM url_research WHERE url = ANY\(\$1\) ORDER BY updated_at DESC`).
		WithArgs(urls).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url", "title", "html", "image", "price", "store_id", "strategies", "execution_time", "created_at", "updated_at",
		}))

	found, err := s.FindResearchByURLs(context.Background(), urls)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSearchResearchPlaceholders(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE price >= \$1 AND price <= \$2 AND store_id = \$3 ORDER BY updated_at DESC, id DESC LIMIT \$4`).
		WithArgs(10.0, 20.0, int64(3), 5).
		WillReturnError(errors.New("boom"))

	_, err := s.SearchResearch(context.Background(), ResearchFilter{
		MinPrice: ptr(10.0), MaxPrice: ptr(20.0), StoreID: ptr(int64(3)), Limit: 5,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search research")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPruneResearch(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM url_research WHERE updated_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.PruneResearch(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetProductNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, title, notify_price, notify_percent, current_price, price_cache, created_at, updated_at\s+FROM products WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProduct(context.Background(), 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListProductIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM products ORDER BY id`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(4)))

	ids, err := s.ListProductIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPriceHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	at := since.Add(48 * time.Hour)

	mock.ExpectQuery(`SELECT id, product_id, url_id, store_id, price, created_at FROM prices`).
		WithArgs(int64(2), since).
		WillReturnRows(pgxmock.NewRows([]string{"id", "product_id", "url_id", "store_id", "price", "created_at"}).
			AddRow(int64(10), int64(2), int64(5), int64(1), 12.5, at))

	history, err := s.PriceHistory(context.Background(), 2, since)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.PriceObservation{ID: 10, ProductID: 2, URLID: 5, StoreID: 1, Price: 12.5, CreatedAt: at}, history[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSavePriceCacheMissingProduct(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE products SET price_cache = \$1, current_price = \$2`).
		WithArgs([]byte("[]"), 0.0, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SavePriceCache(context.Background(), 3, nil, 0)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

var exportCandidates = []*types.CandidateURL{
	{
		RawResult:     types.RawResult{Title: "Widget at Acme", URL: "https://acme.example/widget"},
		Domain:        "acme.example",
		StoreID:       ptr(int64(1)),
		IsProductPage: types.YesViaStore,
		Price:         ptr(19.99),
	},
	{
		RawResult:     types.RawResult{Title: "Widget, history", URL: "https://blog.example/widgets"},
		Domain:        "blog.example",
		Relevance:     1,
		IsProductPage: types.Maybe,
		Cached:        true,
	},
}

func TestExportJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "research.json")
	e, err := NewExporter("json", path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, e.Write(exportCandidates))
	require.NoError(t, e.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "yes_via_store", rows[0]["is_product_page"])
	assert.Equal(t, 19.99, rows[0]["price"])
	assert.Nil(t, rows[1]["price"])
	assert.Equal(t, true, rows[1]["cached"])
}

func TestExportJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "research.jsonl")
	e, err := NewExporter("jsonl", path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, e.Write(exportCandidates[:1]))
	require.NoError(t, e.Write(exportCandidates[1:]))
	require.NoError(t, e.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"is_product_page":"maybe"`)
}

func TestExportCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "research.csv")
	e, err := NewExporter("csv", path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, e.Write(exportCandidates))
	require.NoError(t, e.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeaders, records[0])
	assert.Equal(t, []string{"0", "Widget at Acme", "https://acme.example/widget", "acme.example", "1", "yes_via_store", "19.99", "", "false", "0.000"}, records[1])
	assert.Equal(t, "Widget, history", records[2][1])
	assert.Equal(t, "", records[2][6])
}

func TestExportUnknownFormat(t *testing.T) {
	_, err := NewExporter("xml", filepath.Join(t.TempDir(), "x"), zap.NewNop())
	assert.Error(t, err)
}

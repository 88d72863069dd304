package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// timeLayout keeps stored timestamps lexically ordered.
const timeLayout = "2006-01-02 15:04:05.000000"

// SQLiteStore implements Backend using modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewSQLite opens a SQLite database at dsn, configures WAL mode and applies
// the schema.
func NewSQLite(ctx context.Context, dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db, now: time.Now, logger: logger.With(zap.String("component", "sqlite_store"))}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS url_research (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	url            TEXT NOT NULL UNIQUE,
	title          TEXT NOT NULL DEFAULT '',
	html           TEXT NOT NULL DEFAULT '',
	image          TEXT NOT NULL DEFAULT '',
	price          REAL,
	store_id       INTEGER,
	strategies     TEXT NOT NULL DEFAULT '',
	execution_time REAL NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	title          TEXT NOT NULL,
	notify_price   REAL,
	notify_percent REAL,
	current_price  REAL NOT NULL DEFAULT 0,
	price_cache    TEXT NOT NULL DEFAULT '[]',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS product_urls (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	store_id   INTEGER NOT NULL,
	url        TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prices (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	url_id     INTEGER NOT NULL,
	store_id   INTEGER NOT NULL,
	price      REAL NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_url_research_updated_at ON url_research(updated_at);
CREATE INDEX IF NOT EXISTS idx_product_urls_product_id ON product_urls(product_id);
CREATE INDEX IF NOT EXISTS idx_prices_product_created ON prices(product_id, created_at);
`

// Migrate applies the schema. It is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
func (s *SQLiteStore) Name() string { return "sqlite" }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", v)
	}
	return t, nil
}

// --- research ---

const researchColumns = `id, url, title, html, image, price, store_id, strategies, execution_time, created_at, updated_at`

func (s *SQLiteStore) UpsertResearch(ctx context.Context, records []*types.ResearchRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert research")
	}
	defer tx.Rollback() //nolint:errcheck

	now := formatTime(s.now())
	for _, r := range records {
		strategies, err := r.StrategiesJSON()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO url_research (url, title, html, image, price, store_id, strategies, execution_time, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(url) DO UPDATE SET
				title = excluded.title,
				html = excluded.html,
				image = excluded.image,
				price = excluded.price,
				store_id = excluded.store_id,
				strategies = excluded.strategies,
				execution_time = excluded.execution_time,
				updated_at = excluded.updated_at`,
			r.URL, r.Title, r.HTML, r.Image, r.Price, r.StoreID, strategies, r.ExecutionTime, now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert research %s", r.URL)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert research")
}

func (s *SQLiteStore) FindResearchByURLs(ctx context.Context, urls []string) (map[string]*types.ResearchRecord, error) {
	out := make(map[string]*types.ResearchRecord, len(urls))
	if len(urls) == 0 {
		return out, nil
	}
	records, err := s.SearchResearch(ctx, ResearchFilter{URLs: urls})
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		out[r.URL] = r
	}
	return out, nil
}

func (s *SQLiteStore) SearchResearch(ctx context.Context, f ResearchFilter) ([]*types.ResearchRecord, error) {
	var (
		where []string
		args  []any
	)
	if len(f.URLs) > 0 {
		where = append(where, "url IN (?"+strings.Repeat(", ?", len(f.URLs)-1)+")")
		for _, u := range f.URLs {
			args = append(args, u)
		}
	}
	if f.MinPrice != nil {
		where = append(where, "price IS NOT NULL AND price >= ?")
		args = append(args, *f.MinPrice)
	}
	if f.MaxPrice != nil {
		where = append(where, "price IS NOT NULL AND price <= ?")
		args = append(args, *f.MaxPrice)
	}
	if f.StoreID != nil {
		where = append(where, "store_id = ?")
		args = append(args, *f.StoreID)
	}

	q := `SELECT ` + researchColumns + ` FROM url_research`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search research")
	}
	defer rows.Close()

	var out []*types.ResearchRecord
	for rows.Next() {
		r, err := scanResearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate research")
}

func scanResearch(rows *sql.Rows) (*types.ResearchRecord, error) {
	var (
		r                    types.ResearchRecord
		price                sql.NullFloat64
		storeID              sql.NullInt64
		strategies           string
		createdAt, updatedAt string
	)
	if err := rows.Scan(&r.ID, &r.URL, &r.Title, &r.HTML, &r.Image, &price, &storeID,
		&strategies, &r.ExecutionTime, &createdAt, &updatedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan research")
	}
	if price.Valid {
		r.Price = &price.Float64
	}
	if storeID.Valid {
		r.StoreID = &storeID.Int64
	}
	if err := r.SetStrategiesJSON(strategies); err != nil {
		return nil, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) PruneResearch(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM url_research WHERE updated_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune research")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune research rows affected")
	}
	s.logger.Info("research pruned", zap.Int64("deleted", n), zap.Time("older_than", olderThan))
	return n, nil
}

// --- products and prices ---

func (s *SQLiteStore) CreateProduct(ctx context.Context, p *types.Product) error {
	cache, err := json.Marshal(nonNilEntries(p.PriceCache))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal price cache")
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO products (title, notify_price, notify_percent, current_price, price_cache, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Title, p.NotifyPrice, p.NotifyPercent, p.CurrentPrice, string(cache), formatTime(now), formatTime(now),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert product")
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: product id")
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id int64) (*types.Product, error) {
	var (
		p                    types.Product
		notifyPrice          sql.NullFloat64
		notifyPercent        sql.NullFloat64
		cache                string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, notify_price, notify_percent, current_price, price_cache, created_at, updated_at
		 FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &notifyPrice, &notifyPercent, &p.CurrentPrice, &cache, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(types.ErrNotFound, "sqlite: product %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get product %d", id)
	}
	if notifyPrice.Valid {
		p.NotifyPrice = &notifyPrice.Float64
	}
	if notifyPercent.Valid {
		p.NotifyPercent = &notifyPercent.Float64
	}
	if err := json.Unmarshal([]byte(cache), &p.PriceCache); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal price cache %d", id)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if p.URLs, err = s.ProductURLs(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate products")
}

func (s *SQLiteStore) AddProductURL(ctx context.Context, u *types.ProductURL) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO product_urls (product_id, store_id, url, created_at) VALUES (?, ?, ?, ?)`,
		u.ProductID, u.StoreID, u.URL, formatTime(now),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert product url %s", u.URL)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: product url id")
	}
	u.CreatedAt = now
	return nil
}

func (s *SQLiteStore) ProductURLs(ctx context.Context, productID int64) ([]types.ProductURL, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, store_id, url, created_at FROM product_urls WHERE product_id = ? ORDER BY id`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: product urls %d", productID)
	}
	defer rows.Close()

	var out []types.ProductURL
	for rows.Next() {
		var (
			u         types.ProductURL
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.ProductID, &u.StoreID, &u.URL, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product url")
		}
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate product urls")
}

func (s *SQLiteStore) AddPrice(ctx context.Context, obs *types.PriceObservation) error {
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prices (product_id, url_id, store_id, price, created_at) VALUES (?, ?, ?, ?, ?)`,
		obs.ProductID, obs.URLID, obs.StoreID, obs.Price, formatTime(obs.CreatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert price for product %d", obs.ProductID)
	}
	obs.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: price id")
}

func (s *SQLiteStore) PriceHistory(ctx context.Context, productID int64, since time.Time) ([]types.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, url_id, store_id, price, created_at FROM prices
		 WHERE product_id = ? AND created_at >= ? ORDER BY created_at, id`,
		productID, formatTime(since),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: price history %d", productID)
	}
	defer rows.Close()

	var out []types.PriceObservation
	for rows.Next() {
		var (
			o         types.PriceObservation
			createdAt string
		)
		if err := rows.Scan(&o.ID, &o.ProductID, &o.URLID, &o.StoreID, &o.Price, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price")
		}
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate prices")
}

func (s *SQLiteStore) SavePriceCache(ctx context.Context, productID int64, entries []types.PriceCacheEntry, currentPrice float64) error {
	cache, err := json.Marshal(nonNilEntries(entries))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal price cache")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET price_cache = ?, current_price = ?, updated_at = ? WHERE id = ?`,
		string(cache), currentPrice, formatTime(s.now()), productID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save price cache %d", productID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: save price cache rows affected")
	}
	if n == 0 {
		return eris.Wrapf(types.ErrNotFound, "sqlite: product %d", productID)
	}
	return nil
}

func nonNilEntries(e []types.PriceCacheEntry) []types.PriceCacheEntry {
	if e == nil {
		return []types.PriceCacheEntry{}
	}
	return e
}

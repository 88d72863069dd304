package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Backend using pgx.
type PostgresStore struct {
	pool   pool
	logger *zap.Logger
}

// NewPostgres connects to connString, pings the server and applies the
// schema.
func NewPostgres(ctx context.Context, connString string, logger *zap.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	s := &PostgresStore{pool: p, logger: logger.With(zap.String("component", "postgres_store"))}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS url_research (
	id             BIGSERIAL PRIMARY KEY,
	url            TEXT NOT NULL UNIQUE,
	title          TEXT NOT NULL DEFAULT '',
	html           TEXT NOT NULL DEFAULT '',
	image          TEXT NOT NULL DEFAULT '',
	price          DOUBLE PRECISION,
	store_id       BIGINT,
	strategies     TEXT NOT NULL DEFAULT '',
	execution_time DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS products (
	id             BIGSERIAL PRIMARY KEY,
	title          TEXT NOT NULL,
	notify_price   DOUBLE PRECISION,
	notify_percent DOUBLE PRECISION,
	current_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_cache    JSONB NOT NULL DEFAULT '[]',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS product_urls (
	id         BIGSERIAL PRIMARY KEY,
	product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	store_id   BIGINT NOT NULL,
	url        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prices (
	id         BIGSERIAL PRIMARY KEY,
	product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	url_id     BIGINT NOT NULL,
	store_id   BIGINT NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_url_research_updated_at ON url_research(updated_at);
CREATE INDEX IF NOT EXISTS idx_product_urls_product_id ON product_urls(product_id);
CREATE INDEX IF NOT EXISTS idx_prices_product_created ON prices(product_id, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

// --- research ---

const upsertResearchSQL = `INSERT INTO url_research (url, title, html, image, price, store_id, strategies, execution_time, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (url) DO UPDATE SET
	title = EXCLUDED.title,
	html = EXCLUDED.html,
	image = EXCLUDED.image,
	price = EXCLUDED.price,
	store_id = EXCLUDED.store_id,
	strategies = EXCLUDED.strategies,
	execution_time = EXCLUDED.execution_time,
	updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) UpsertResearch(ctx context.Context, records []*types.ResearchRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert research")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range records {
		strategies, err := r.StrategiesJSON()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, upsertResearchSQL,
			r.URL, r.Title, r.HTML, r.Image, r.Price, r.StoreID, strategies, r.ExecutionTime, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert research %s", r.URL)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert research")
}

func (s *PostgresStore) FindResearchByURLs(ctx context.Context, urls []string) (map[string]*types.ResearchRecord, error) {
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

func (s *PostgresStore) SearchResearch(ctx context.Context, f ResearchFilter) ([]*types.ResearchRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(f.URLs) > 0 {
		where = append(where, "url = ANY("+arg(f.URLs)+")")
	}
	if f.MinPrice != nil {
		where = append(where, "price >= "+arg(*f.MinPrice))
	}
	if f.MaxPrice != nil {
		where = append(where, "price <= "+arg(*f.MaxPrice))
	}
	if f.StoreID != nil {
		where = append(where, "store_id = "+arg(*f.StoreID))
	}

	q := `SELECT ` + researchColumns + ` FROM url_research`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search research")
	}
	defer rows.Close()

	var out []*types.ResearchRecord
	for rows.Next() {
		var (
			r          types.ResearchRecord
			strategies string
		)
		if err := rows.Scan(&r.ID, &r.URL, &r.Title, &r.HTML, &r.Image, &r.Price, &r.StoreID,
			&strategies, &r.ExecutionTime, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan research")
		}
		if err := r.SetStrategiesJSON(strategies); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate research")
}

func (s *PostgresStore) PruneResearch(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM url_research WHERE updated_at < $1`, olderThan)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune research")
	}
	s.logger.Info("research pruned", zap.Int64("deleted", tag.RowsAffected()), zap.Time("older_than", olderThan))
	return tag.RowsAffected(), nil
}

// --- products and prices ---

func (s *PostgresStore) CreateProduct(ctx context.Context, p *types.Product) error {
	cache, err := json.Marshal(nonNilEntries(p.PriceCache))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal price cache")
	}
	now := time.Now().UTC()
	err = s.pool.QueryRow(ctx,
		`INSERT INTO products (title, notify_price, notify_percent, current_price, price_cache, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`,
		p.Title, p.NotifyPrice, p.NotifyPercent, p.CurrentPrice, cache, now,
	).Scan(&p.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: insert product")
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (*types.Product, error) {
	var (
		p     types.Product
		cache []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, notify_price, notify_percent, current_price, price_cache, created_at, updated_at
		 FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Title, &p.NotifyPrice, &p.NotifyPercent, &p.CurrentPrice, &cache, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(types.ErrNotFound, "postgres: get product %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get product %d", id)
	}
	if err := json.Unmarshal(cache, &p.PriceCache); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal price cache %d", id)
	}
	if p.URLs, err = s.ProductURLs(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan product id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate products")
}

func (s *PostgresStore) AddProductURL(ctx context.Context, u *types.ProductURL) error {
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO product_urls (product_id, store_id, url, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		u.ProductID, u.StoreID, u.URL, now,
	).Scan(&u.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert product url %s", u.URL)
	}
	u.CreatedAt = now
	return nil
}

func (s *PostgresStore) ProductURLs(ctx context.Context, productID int64) ([]types.ProductURL, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, store_id, url, created_at FROM product_urls WHERE product_id = $1 ORDER BY id`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: product urls %d", productID)
	}
	defer rows.Close()

	var out []types.ProductURL
	for rows.Next() {
		var u types.ProductURL
		if err := rows.Scan(&u.ID, &u.ProductID, &u.StoreID, &u.URL, &u.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan product url")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate product urls")
}

func (s *PostgresStore) AddPrice(ctx context.Context, obs *types.PriceObservation) error {
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prices (product_id, url_id, store_id, price, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		obs.ProductID, obs.URLID, obs.StoreID, obs.Price, obs.CreatedAt,
	).Scan(&obs.ID)
	return eris.Wrapf(err, "postgres: insert price for product %d", obs.ProductID)
}

func (s *PostgresStore) PriceHistory(ctx context.Context, productID int64, since time.Time) ([]types.PriceObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, url_id, store_id, price, created_at FROM prices
		 WHERE product_id = $1 AND created_at >= $2 ORDER BY created_at, id`,
		productID, since,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: price history %d", productID)
	}
	defer rows.Close()

	var out []types.PriceObservation
	for rows.Next() {
		var o types.PriceObservation
		if err := rows.Scan(&o.ID, &o.ProductID, &o.URLID, &o.StoreID, &o.Price, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan price")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate prices")
}

func (s *PostgresStore) SavePriceCache(ctx context.Context, productID int64, entries []types.PriceCacheEntry, currentPrice float64) error {
	cache, err := json.Marshal(nonNilEntries(entries))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal price cache")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET price_cache = $1, current_price = $2, updated_at = now() WHERE id = $3`,
		cache, currentPrice, productID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save price cache %d", productID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(types.ErrNotFound, "postgres: product %d", productID)
	}
	return nil
}

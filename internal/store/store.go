// Package store is the persistence layer. It owns the SQLite schema and all
// transactions; callers exchange catalog value types, never database handles.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/daiy-de/catalog-crawler/internal/catalog"
)

// schema is idempotent: Open runs it on every start.
const schema = `
CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	url TEXT UNIQUE NOT NULL,
	image_url TEXT,
	brand TEXT,
	price_text TEXT,
	sku TEXT,
	breadcrumbs TEXT,
	description TEXT,
	specs_json TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS product_categories (
	product_id INTEGER NOT NULL,
	category TEXT NOT NULL,
	PRIMARY KEY (product_id, category),
	FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS dynamic_specs (
	product_id INTEGER NOT NULL,
	category TEXT NOT NULL,
	field_name TEXT NOT NULL,
	field_value TEXT,
	PRIMARY KEY (product_id, category, field_name),
	FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS discovered_fields (
	category TEXT NOT NULL,
	field_name TEXT NOT NULL,
	original_labels_json TEXT NOT NULL,
	frequency REAL NOT NULL,
	discovered_at TIMESTAMP NOT NULL,
	PRIMARY KEY (category, field_name)
);

CREATE TABLE IF NOT EXISTS scrape_state (
	category TEXT PRIMARY KEY,
	current_page INTEGER NOT NULL DEFAULT 0,
	total_pages INTEGER,
	last_scraped_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
CREATE INDEX IF NOT EXISTS idx_products_name ON products(name);
CREATE INDEX IF NOT EXISTS idx_products_sku ON products(sku);
CREATE INDEX IF NOT EXISTS idx_product_categories_category ON product_categories(category);
`

// SQLiteStore implements catalog.Store on a single SQLite file. WAL mode
// lets the companion reader keep a consistent snapshot while the crawler
// holds the single writer role.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ catalog.Store = (*SQLiteStore)(nil)

// Open connects to the SQLite file at path, creating parent directories and
// the schema as needed. busyTimeoutMs bounds waits on the write lock.
func Open(ctx context.Context, path string, busyTimeoutMs int, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMs)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	// SQLite allows one writer; a second write connection would only ever
	// block on the busy timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			logger.Error("failed to close sqlite after schema error", zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close shuts down the connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close sqlite: %w", err)
	}
	return nil
}

// ExistingURLs returns the product URLs already stored for a category,
// including products attached via the junction table.
func (s *SQLiteStore) ExistingURLs(ctx context.Context, category string) (map[string]struct{}, error) {
	query := `
		SELECT DISTINCT p.url
		FROM products p
		LEFT JOIN product_categories pc ON pc.product_id = p.id
		WHERE p.category = ? OR pc.category = ?
	`
	var urls []string
	if err := s.db.SelectContext(ctx, &urls, query, category, category); err != nil {
		return nil, fmt.Errorf("failed to query existing urls: %w", err)
	}
	out := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		out[u] = struct{}{}
	}
	return out, nil
}

// ProductIDByURL resolves a stored product's ID by its URL.
func (s *SQLiteStore) ProductIDByURL(ctx context.Context, url string) (int64, bool, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, "SELECT id FROM products WHERE url = ?", url)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up product by url: %w", err)
	}
	return id, true, nil
}

// SavePage upserts one page's worth of products and their dynamic specs in a
// single transaction. A crash mid-page leaves the store at the previous
// page boundary, never with spec rows pointing at an uncommitted product.
func (s *SQLiteStore) SavePage(ctx context.Context, products []*catalog.Product) error {
	if len(products) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to roll back page transaction", zap.Error(err))
		}
	}()

	for _, product := range products {
		id, err := upsertProductTx(ctx, tx, product)
		if err != nil {
			return err
		}
		product.ID = id

		if err := upsertDynamicSpecsTx(ctx, tx, id, product.Category, product.DynamicSpecs); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page transaction: %w", err)
	}
	return nil
}

// upsertProductTx inserts or refreshes one product row keyed on URL. The
// original created_at survives updates; updated_at is bumped.
func upsertProductTx(ctx context.Context, tx *sqlx.Tx, p *catalog.Product) (int64, error) {
	var specsJSON *string
	if len(p.Specs) > 0 {
		raw, err := json.Marshal(p.Specs)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal specs for %q: %w", p.URL, err)
		}
		js := string(raw)
		specsJSON = &js
	}

	query := `
		INSERT INTO products (category, name, url, image_url, brand, price_text,
		                      sku, breadcrumbs, description, specs_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(url) DO UPDATE SET
			category = excluded.category,
			name = excluded.name,
			image_url = excluded.image_url,
			brand = excluded.brand,
			price_text = excluded.price_text,
			sku = excluded.sku,
			breadcrumbs = excluded.breadcrumbs,
			description = excluded.description,
			specs_json = excluded.specs_json,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`
	var id int64
	err := tx.QueryRowxContext(ctx, query,
		p.Category, p.Name, p.URL, p.ImageURL, p.Brand, p.PriceText,
		p.SKU, p.Breadcrumbs, p.Description, specsJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert product %q: %w", p.URL, err)
	}
	return id, nil
}

func upsertDynamicSpecsTx(ctx context.Context, tx *sqlx.Tx, productID int64, category string, specs map[string]*string) error {
	if len(specs) == 0 {
		return nil
	}
	query := `
		INSERT INTO dynamic_specs (product_id, category, field_name, field_value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id, category, field_name) DO UPDATE SET
			field_value = excluded.field_value
	`
	for name, value := range specs {
		if _, err := tx.ExecContext(ctx, query, productID, category, name, value); err != nil {
			return fmt.Errorf("failed to upsert dynamic spec %q: %w", name, err)
		}
	}
	return nil
}

// UpsertDynamicSpecs writes normalized spec values for an already-stored
// product outside the page transaction. Used by backfill, which derives
// dynamic specs from persisted raw specs instead of a live scrape.
func (s *SQLiteStore) UpsertDynamicSpecs(ctx context.Context, productID int64, category string, specs map[string]*string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to roll back spec transaction", zap.Error(err))
		}
	}()

	if err := upsertDynamicSpecsTx(ctx, tx, productID, category, specs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spec transaction: %w", err)
	}
	return nil
}

// AddProductCategory attaches an already-stored product to another category.
// Idempotent: re-adding an existing association is a no-op.
func (s *SQLiteStore) AddProductCategory(ctx context.Context, productID int64, category string) error {
	query := `INSERT OR IGNORE INTO product_categories (product_id, category) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, productID, category); err != nil {
		return fmt.Errorf("failed to add product category: %w", err)
	}
	return nil
}

// ReplaceDiscoveredFields swaps in a category's whole field schema. Each
// discovery run fully supersedes the previous one.
func (s *SQLiteStore) ReplaceDiscoveredFields(ctx context.Context, category string, fields []catalog.DiscoveredField) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to roll back schema transaction", zap.Error(err))
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM discovered_fields WHERE category = ?", category); err != nil {
		return fmt.Errorf("failed to clear discovered fields: %w", err)
	}

	insert := `
		INSERT INTO discovered_fields (category, field_name, original_labels_json, frequency, discovered_at)
		VALUES (?, ?, ?, ?, ?)
	`
	for _, field := range fields {
		labels, err := json.Marshal(field.OriginalLabels)
		if err != nil {
			return fmt.Errorf("failed to marshal labels for %q: %w", field.FieldName, err)
		}
		discoveredAt := field.DiscoveredAt
		if discoveredAt.IsZero() {
			discoveredAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, insert, category, field.FieldName, string(labels), field.Frequency, discoveredAt); err != nil {
			return fmt.Errorf("failed to insert discovered field %q: %w", field.FieldName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema transaction: %w", err)
	}
	return nil
}

// DiscoveredFields returns the persisted schema for a category ordered by
// field name.
func (s *SQLiteStore) DiscoveredFields(ctx context.Context, category string) ([]catalog.DiscoveredField, error) {
	query := `
		SELECT field_name, original_labels_json, frequency, discovered_at
		FROM discovered_fields
		WHERE category = ?
		ORDER BY field_name
	`
	rows, err := s.db.QueryxContext(ctx, query, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query discovered fields: %w", err)
	}
	defer rows.Close()

	var fields []catalog.DiscoveredField
	for rows.Next() {
		var (
			field      catalog.DiscoveredField
			labelsJSON string
		)
		if err := rows.Scan(&field.FieldName, &labelsJSON, &field.Frequency, &field.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan discovered field: %w", err)
		}
		if err := json.Unmarshal([]byte(labelsJSON), &field.OriginalLabels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels for %q: %w", field.FieldName, err)
		}
		field.Category = category
		fields = append(fields, field)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate discovered fields: %w", err)
	}
	return fields, nil
}

// UpsertScrapeState records the pagination checkpoint after a fully
// committed page. A nil totalPages never clobbers a previously known total.
func (s *SQLiteStore) UpsertScrapeState(ctx context.Context, category string, currentPage int, totalPages *int) error {
	query := `
		INSERT INTO scrape_state (category, current_page, total_pages, last_scraped_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(category) DO UPDATE SET
			current_page = excluded.current_page,
			total_pages = COALESCE(excluded.total_pages, total_pages),
			last_scraped_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, category, currentPage, totalPages); err != nil {
		return fmt.Errorf("failed to upsert scrape state: %w", err)
	}
	return nil
}

// ScrapeState returns the checkpoint for a category, or nil when the
// category has never been walked.
func (s *SQLiteStore) ScrapeState(ctx context.Context, category string) (*catalog.ScrapeState, error) {
	var state catalog.ScrapeState
	query := `
		SELECT category, current_page, total_pages, last_scraped_at
		FROM scrape_state
		WHERE category = ?
	`
	err := s.db.GetContext(ctx, &state, query, category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scrape state: %w", err)
	}
	return &state, nil
}

// ProductCount reports how many distinct products a category holds, or all
// products when category is empty.
func (s *SQLiteStore) ProductCount(ctx context.Context, category string) (int, error) {
	var count int
	if category == "" {
		if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM products"); err != nil {
			return 0, fmt.Errorf("failed to count products: %w", err)
		}
		return count, nil
	}
	query := `
		SELECT COUNT(DISTINCT p.id)
		FROM products p
		LEFT JOIN product_categories pc ON pc.product_id = p.id
		WHERE p.category = ? OR pc.category = ?
	`
	if err := s.db.GetContext(ctx, &count, query, category, category); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return count, nil
}

// ProductsByCategory returns the stored products for a category with their
// raw specs decoded, ordered by name. Dynamic spec rows are attached when
// withSpecs is set.
func (s *SQLiteStore) ProductsByCategory(ctx context.Context, category string, withSpecs bool) ([]*catalog.Product, error) {
	type productRow struct {
		catalog.Product
		SpecsJSON *string `db:"specs_json"`
	}

	query := `
		SELECT id, category, name, url, image_url, brand, price_text, sku,
		       breadcrumbs, description, specs_json, created_at, updated_at
		FROM products
		WHERE category = ?
		ORDER BY name
	`
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, query, category); err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}

	products := make([]*catalog.Product, 0, len(rows))
	for i := range rows {
		p := rows[i].Product
		if rows[i].SpecsJSON != nil {
			if err := json.Unmarshal([]byte(*rows[i].SpecsJSON), &p.Specs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal specs for %q: %w", p.URL, err)
			}
		}
		if withSpecs {
			specs, err := s.dynamicSpecs(ctx, p.ID, category)
			if err != nil {
				return nil, err
			}
			p.DynamicSpecs = specs
		}
		products = append(products, &p)
	}
	return products, nil
}

func (s *SQLiteStore) dynamicSpecs(ctx context.Context, productID int64, category string) (map[string]*string, error) {
	query := `
		SELECT field_name, field_value
		FROM dynamic_specs
		WHERE product_id = ? AND category = ?
	`
	rows, err := s.db.QueryxContext(ctx, query, productID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query dynamic specs: %w", err)
	}
	defer rows.Close()

	specs := make(map[string]*string)
	for rows.Next() {
		var (
			name  string
			value *string
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan dynamic spec: %w", err)
		}
		specs[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dynamic specs: %w", err)
	}
	if len(specs) == 0 {
		return nil, nil
	}
	return specs, nil
}

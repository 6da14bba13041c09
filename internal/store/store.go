package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is the persistence interface shared by all components.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	UpsertRetailer(ctx context.Context, r *Retailer) error
	GetRetailer(ctx context.Context, id int64) (*Retailer, error)
	ListRetailers(ctx context.Context, activeOnly bool) ([]Retailer, error)

	CreateQuery(ctx context.Context, q *SearchQuery) error
	GetQuery(ctx context.Context, id int64) (*SearchQuery, error)
	UpdateQuery(ctx context.Context, q *SearchQuery) error
	DeleteQuery(ctx context.Context, id int64) error
	ListActiveQueries(ctx context.Context) ([]SearchQuery, error)
	ListQueriesByUser(ctx context.Context, userID int64) ([]SearchQuery, error)
	SetQueryEndpoint(ctx context.Context, id int64, endpoint string) error
	SetQueryLastRun(ctx context.Context, id int64, at time.Time) error

	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetProductByExternalID(ctx context.Context, retailerID int64, externalID string) (*Product, error)
	InsertProduct(ctx context.Context, p *Product) error
	UpdateProduct(ctx context.Context, p *Product) error
	ListProducts(ctx context.Context, opts ProductListOpts) ([]Product, error)

	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]Notification, error)
	MarkAllRead(ctx context.Context, userID int64) (int64, error)

	// RunInTx executes fn with a Store bound to one transaction.
	RunInTx(ctx context.Context, fn func(Store) error) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, ext: db}, nil
}

// Open is New with bounded connection retries. Storage that stays
// unreachable past the attempt budget is a fatal startup condition.
func Open(path string, attempts int, backoff time.Duration) (*SQLiteStore, error) {
	if attempts <= 0 {
		attempts = 5
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		s, err := New(path)
		if err == nil {
			if err = s.db.Ping(); err == nil {
				return s, nil
			}
			s.Close()
		}
		lastErr = err
		time.Sleep(backoff)
		backoff *= 2
	}
	return nil, fmt.Errorf("open store after %d attempts: %w", attempts, lastErr)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunInTx runs fn inside a transaction. Calls on an already
// transactional store reuse the open transaction.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.ext.(*sqlx.Tx); ok {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&SQLiteStore{db: s.db, ext: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.JoinedAt.IsZero() {
		u.JoinedAt = time.Now().UTC()
	}
	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO users (chat_id, username, first_name, last_name, joined_at, active, admin)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ChatID, u.Username, u.FirstName, u.LastName, u.JoinedAt, u.Active, u.Admin)
	if err != nil {
		return fmt.Errorf("create user chat %d: %w", u.ChatID, err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := sqlx.GetContext(ctx, s.ext, &u, "SELECT * FROM users WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByChatID(ctx context.Context, chatID int64) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, s.ext, &u, "SELECT * FROM users WHERE chat_id = ?", chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by chat %d: %w", chatID, err)
	}
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := sqlx.SelectContext(ctx, s.ext, &users, "SELECT * FROM users ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *SQLiteStore) UpsertRetailer(ctx context.Context, r *Retailer) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO retailers (slug, name, base_url, rotating_proxy, random_user_agent, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			name = excluded.name,
			base_url = excluded.base_url,
			rotating_proxy = excluded.rotating_proxy,
			random_user_agent = excluded.random_user_agent,
			active = excluded.active
	`, r.Slug, r.Name, r.BaseURL, r.RotatingProxy, r.RandomUserAgent, r.Active)
	if err != nil {
		return fmt.Errorf("upsert retailer %s: %w", r.Slug, err)
	}

	if err := sqlx.GetContext(ctx, s.ext, &r.ID, "SELECT id FROM retailers WHERE slug = ?", r.Slug); err != nil {
		return fmt.Errorf("resolve retailer %s: %w", r.Slug, err)
	}
	return nil
}

func (s *SQLiteStore) GetRetailer(ctx context.Context, id int64) (*Retailer, error) {
	var r Retailer
	if err := sqlx.GetContext(ctx, s.ext, &r, "SELECT * FROM retailers WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get retailer %d: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRetailers(ctx context.Context, activeOnly bool) ([]Retailer, error) {
	query := "SELECT * FROM retailers"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY id"

	var retailers []Retailer
	if err := sqlx.SelectContext(ctx, s.ext, &retailers, query); err != nil {
		return nil, fmt.Errorf("list retailers: %w", err)
	}
	return retailers, nil
}

func (s *SQLiteStore) CreateQuery(ctx context.Context, q *SearchQuery) error {
	if q.IntervalMinutes < 1 {
		return fmt.Errorf("create query: interval %d below one minute", q.IntervalMinutes)
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO search_queries
			(user_id, retailer_id, query, endpoint, interval_minutes, active,
			 last_run_at, notify_on_new, notify_on_drop, drop_threshold_pct, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.UserID, q.RetailerID, q.Query, q.Endpoint, q.IntervalMinutes, q.Active,
		q.LastRunAt, q.NotifyOnNew, q.NotifyOnDrop, q.DropThresholdPct, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("create query for user %d: %w", q.UserID, err)
	}
	q.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetQuery(ctx context.Context, id int64) (*SearchQuery, error) {
	var q SearchQuery
	if err := sqlx.GetContext(ctx, s.ext, &q, "SELECT * FROM search_queries WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get query %d: %w", id, err)
	}
	return &q, nil
}

func (s *SQLiteStore) UpdateQuery(ctx context.Context, q *SearchQuery) error {
	if q.IntervalMinutes < 1 {
		return fmt.Errorf("update query %d: interval %d below one minute", q.ID, q.IntervalMinutes)
	}
	_, err := s.ext.ExecContext(ctx, `
		UPDATE search_queries SET
			query = ?, endpoint = ?, interval_minutes = ?, active = ?,
			notify_on_new = ?, notify_on_drop = ?, drop_threshold_pct = ?
		WHERE id = ?
	`, q.Query, q.Endpoint, q.IntervalMinutes, q.Active,
		q.NotifyOnNew, q.NotifyOnDrop, q.DropThresholdPct, q.ID)
	if err != nil {
		return fmt.Errorf("update query %d: %w", q.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteQuery(ctx context.Context, id int64) error {
	if _, err := s.ext.ExecContext(ctx, "DELETE FROM search_queries WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete query %d: %w", id, err)
	}
	return nil
}

// ListActiveQueries returns active queries whose owning user is active.
func (s *SQLiteStore) ListActiveQueries(ctx context.Context) ([]SearchQuery, error) {
	var queries []SearchQuery
	err := sqlx.SelectContext(ctx, s.ext, &queries, `
		SELECT q.* FROM search_queries q
		JOIN users u ON u.id = q.user_id
		WHERE q.active = 1 AND u.active = 1
		ORDER BY q.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active queries: %w", err)
	}
	return queries, nil
}

func (s *SQLiteStore) ListQueriesByUser(ctx context.Context, userID int64) ([]SearchQuery, error) {
	var queries []SearchQuery
	err := sqlx.SelectContext(ctx, s.ext, &queries,
		"SELECT * FROM search_queries WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("list queries for user %d: %w", userID, err)
	}
	return queries, nil
}

func (s *SQLiteStore) SetQueryEndpoint(ctx context.Context, id int64, endpoint string) error {
	_, err := s.ext.ExecContext(ctx, "UPDATE search_queries SET endpoint = ? WHERE id = ?", endpoint, id)
	if err != nil {
		return fmt.Errorf("set query %d endpoint: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SetQueryLastRun(ctx context.Context, id int64, at time.Time) error {
	_, err := s.ext.ExecContext(ctx, "UPDATE search_queries SET last_run_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("set query %d last run: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	if err := sqlx.GetContext(ctx, s.ext, &p, "SELECT * FROM products WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &p, nil
}

// GetProductByExternalID returns nil without error when the listing
// has never been seen for this retailer.
func (s *SQLiteStore) GetProductByExternalID(ctx context.Context, retailerID int64, externalID string) (*Product, error) {
	var p Product
	err := sqlx.GetContext(ctx, s.ext, &p,
		"SELECT * FROM products WHERE retailer_id = ? AND external_id = ?", retailerID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d/%s: %w", retailerID, externalID, err)
	}
	return &p, nil
}

func (s *SQLiteStore) InsertProduct(ctx context.Context, p *Product) error {
	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO products
			(retailer_id, external_id, title, description, price, previous_price, currency,
			 price_type, image_url, product_url, location, distance_m,
			 discovered_at, last_checked_at, available)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.RetailerID, p.ExternalID, p.Title, p.Description, p.Price, p.PreviousPrice, p.Currency,
		p.PriceType, p.ImageURL, p.ProductURL, p.Location, p.DistanceM,
		p.DiscoveredAt, p.LastCheckedAt, p.Available)
	if err != nil {
		return fmt.Errorf("insert product %d/%s: %w", p.RetailerID, p.ExternalID, err)
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) UpdateProduct(ctx context.Context, p *Product) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE products SET
			title = ?, description = ?, price = ?, previous_price = ?, currency = ?,
			price_type = ?, image_url = ?, product_url = ?, location = ?, distance_m = ?,
			last_checked_at = ?, available = ?
		WHERE id = ?
	`, p.Title, p.Description, p.Price, p.PreviousPrice, p.Currency,
		p.PriceType, p.ImageURL, p.ProductURL, p.Location, p.DistanceM,
		p.LastCheckedAt, p.Available, p.ID)
	if err != nil {
		return fmt.Errorf("update product %d: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, opts ProductListOpts) ([]Product, error) {
	query := "SELECT * FROM products WHERE 1=1"
	var args []any

	if opts.RetailerID > 0 {
		query += " AND retailer_id = ?"
		args = append(args, opts.RetailerID)
	}
	if !opts.Since.IsZero() {
		query += " AND last_checked_at >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY last_checked_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var products []Product
	if err := sqlx.SelectContext(ctx, s.ext, &products, query, args...); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

func (s *SQLiteStore) CreateNotification(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO notifications (user_id, product_id, query_id, type, created_at, read)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.UserID, n.ProductID, n.QueryID, n.Type, n.CreatedAt, n.Read)
	if err != nil {
		return fmt.Errorf("create notification for user %d: %w", n.UserID, err)
	}
	n.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]Notification, error) {
	query := "SELECT * FROM notifications WHERE user_id = ?"
	if unreadOnly {
		query += " AND read = 0"
	}
	query += " ORDER BY created_at DESC"

	var notifications []Notification
	if err := sqlx.SelectContext(ctx, s.ext, &notifications, query, userID); err != nil {
		return nil, fmt.Errorf("list notifications for user %d: %w", userID, err)
	}
	return notifications, nil
}

// MarkAllRead flips every unread notification for the user. Idempotent.
func (s *SQLiteStore) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	res, err := s.ext.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read for user %d: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

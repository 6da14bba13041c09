package store

import "time"

// NotificationType classifies why a notification was created.
type NotificationType string

const (
	NotifyNewProduct NotificationType = "NEW_PRODUCT"
	NotifyPriceDrop  NotificationType = "PRICE_DROP"
)

// User is a subscriber known to the delivery channel.
type User struct {
	ID        int64     `db:"id" json:"id"`
	ChatID    int64     `db:"chat_id" json:"chat_id"`
	Username  string    `db:"username" json:"username"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	JoinedAt  time.Time `db:"joined_at" json:"joined_at"`
	Active    bool      `db:"active" json:"active"`
	Admin     bool      `db:"admin" json:"admin"`
}

// Retailer is an upstream classifieds/e-commerce source.
type Retailer struct {
	ID              int64  `db:"id" json:"id"`
	Slug            string `db:"slug" json:"slug"`
	Name            string `db:"name" json:"name"`
	BaseURL         string `db:"base_url" json:"base_url"`
	RotatingProxy   bool   `db:"rotating_proxy" json:"rotating_proxy"`
	RandomUserAgent bool   `db:"random_user_agent" json:"random_user_agent"`
	Active          bool   `db:"active" json:"active"`
}

// SearchQuery is a user's standing search against one retailer.
type SearchQuery struct {
	ID               int64      `db:"id" json:"id"`
	UserID           int64      `db:"user_id" json:"user_id"`
	RetailerID       int64      `db:"retailer_id" json:"retailer_id"`
	Query            string     `db:"query" json:"query"`
	Endpoint         string     `db:"endpoint" json:"endpoint"`
	IntervalMinutes  int        `db:"interval_minutes" json:"interval_minutes"`
	Active           bool       `db:"active" json:"active"`
	LastRunAt        *time.Time `db:"last_run_at" json:"last_run_at"`
	NotifyOnNew      bool       `db:"notify_on_new" json:"notify_on_new"`
	NotifyOnDrop     bool       `db:"notify_on_drop" json:"notify_on_drop"`
	DropThresholdPct int        `db:"drop_threshold_pct" json:"drop_threshold_pct"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Product is the remembered state of one upstream listing.
// (RetailerID, ExternalID) is the reconciliation key.
type Product struct {
	ID            int64      `db:"id" json:"id"`
	RetailerID    int64      `db:"retailer_id" json:"retailer_id"`
	ExternalID    string     `db:"external_id" json:"external_id"`
	Title         string     `db:"title" json:"title"`
	Description   string     `db:"description" json:"description"`
	Price         float64    `db:"price" json:"price"`
	PreviousPrice *float64   `db:"previous_price" json:"previous_price"`
	Currency      string     `db:"currency" json:"currency"`
	PriceType     string     `db:"price_type" json:"price_type"`
	ImageURL      string     `db:"image_url" json:"image_url"`
	ProductURL    string     `db:"product_url" json:"product_url"`
	Location      string     `db:"location" json:"location"`
	DistanceM     int        `db:"distance_m" json:"distance_m"`
	DiscoveredAt  time.Time  `db:"discovered_at" json:"discovered_at"`
	LastCheckedAt time.Time  `db:"last_checked_at" json:"last_checked_at"`
	Available     bool       `db:"available" json:"available"`
}

// Notification records a decided (and possibly delivered) event.
type Notification struct {
	ID        int64            `db:"id" json:"id"`
	UserID    int64            `db:"user_id" json:"user_id"`
	ProductID int64            `db:"product_id" json:"product_id"`
	QueryID   int64            `db:"query_id" json:"query_id"`
	Type      NotificationType `db:"type" json:"type"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	Read      bool             `db:"read" json:"read"`
}

// ProductListOpts controls product listing.
type ProductListOpts struct {
	RetailerID int64
	Since      time.Time
	Limit      int
}

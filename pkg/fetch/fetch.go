package fetch

import (
	"context"
	"errors"
	"fmt"
)

// PriceType tags how a listing's price is meant upstream.
type PriceType string

const (
	PriceFixed      PriceType = "fixed"
	PriceBid        PriceType = "bid"
	PriceNegotiable PriceType = "negotiable"
	PriceReserved   PriceType = "reserved"
)

// Sentinel fetch errors. Adapters wrap these so callers can tell a dead
// or throttled upstream apart from a response they cannot parse.
var (
	ErrUnreachable = errors.New("upstream unreachable")
	ErrBadPayload  = errors.New("unrecognized upstream payload")
)

// RawListing is one listing as returned by a retailer search,
// normalized across adapters. Image and product URLs are absolute.
type RawListing struct {
	ExternalID    string
	Title         string
	Description   string
	Price         float64
	PreviousPrice float64
	Currency      string
	PriceType     PriceType
	ImageURL      string
	ProductURL    string
	Location      string
	DistanceM     int
	Available     bool
}

// Request describes one search invocation. Endpoint carries the
// memoized machine endpoint from an earlier discovery, if any.
type Request struct {
	Query    string
	Endpoint string
}

// Result is the complete listing set for one invocation. A non-empty
// Endpoint should be persisted by the caller so later runs skip
// discovery.
type Result struct {
	Listings []RawListing
	Endpoint string
}

// Adapter is the per-retailer search capability.
// Zero results is a valid empty Listings slice, not an error.
type Adapter interface {
	Retailer() string
	Search(ctx context.Context, req Request) (*Result, error)
}

// Registry resolves adapters by retailer id. Built once at startup.
type Registry struct {
	adapters map[int64]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[int64]Adapter)}
}

// Register binds an adapter to a retailer id.
func (r *Registry) Register(retailerID int64, a Adapter) {
	r.adapters[retailerID] = a
}

// Lookup returns the adapter for a retailer, if one is registered.
func (r *Registry) Lookup(retailerID int64) (Adapter, bool) {
	a, ok := r.adapters[retailerID]
	return a, ok
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	return len(r.adapters)
}

func unreachable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

func badPayload(err error) error {
	return fmt.Errorf("%w: %w", ErrBadPayload, err)
}

func statusErr(retailer string, code int) error {
	return fmt.Errorf("%w: %s status %d", ErrUnreachable, retailer, code)
}

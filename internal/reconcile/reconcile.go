package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirmas/dealradar/internal/store"
	"github.com/kirmas/dealradar/pkg/fetch"
)

// Kind classifies one listing against stored product state.
type Kind string

const (
	KindNew       Kind = "new"
	KindChanged   Kind = "changed"
	KindUnchanged Kind = "unchanged"
)

// Change is the reconciliation outcome for one listing. PreviousPrice
// is meaningful only for Changed.
type Change struct {
	Kind          Kind
	Product       store.Product
	PreviousPrice float64
}

// Reconciler folds fresh listings into the persisted product set.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Reconciler.
func New(s store.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile compares listings against products stored for the retailer
// and persists the result. Each listing is one transaction; a listing
// that fails is logged and skipped so the rest of the batch proceeds.
func (r *Reconciler) Reconcile(ctx context.Context, retailerID int64, listings []fetch.RawListing) []Change {
	changes := make([]Change, 0, len(listings))

	for i := range listings {
		listing := &listings[i]
		if listing.ExternalID == "" || listing.Price < 0 {
			r.logger.Warn("skipping malformed listing",
				"retailer_id", retailerID, "title", listing.Title)
			continue
		}

		var change Change
		err := r.store.RunInTx(ctx, func(tx store.Store) error {
			var err error
			change, err = r.reconcileOne(ctx, tx, retailerID, listing)
			return err
		})
		if err != nil {
			r.logger.Error("listing reconciliation failed",
				"retailer_id", retailerID, "external_id", listing.ExternalID, "error", err)
			continue
		}
		changes = append(changes, change)
	}

	return changes
}

func (r *Reconciler) reconcileOne(ctx context.Context, tx store.Store, retailerID int64, listing *fetch.RawListing) (Change, error) {
	now := r.now()

	existing, err := tx.GetProductByExternalID(ctx, retailerID, listing.ExternalID)
	if err != nil {
		return Change{}, err
	}

	if existing == nil {
		product := store.Product{
			RetailerID:    retailerID,
			ExternalID:    listing.ExternalID,
			Title:         listing.Title,
			Description:   listing.Description,
			Price:         listing.Price,
			Currency:      listing.Currency,
			PriceType:     string(listing.PriceType),
			ImageURL:      listing.ImageURL,
			ProductURL:    listing.ProductURL,
			Location:      listing.Location,
			DistanceM:     listing.DistanceM,
			DiscoveredAt:  now,
			LastCheckedAt: now,
			Available:     true,
		}
		if err := tx.InsertProduct(ctx, &product); err != nil {
			return Change{}, err
		}
		return Change{Kind: KindNew, Product: product}, nil
	}

	kind := KindUnchanged
	previousPrice := 0.0

	// Bid-style prices move by upstream auction mechanics, never as a
	// seller discount, so the numeric comparison is skipped for them.
	if listing.PriceType != fetch.PriceBid && listing.Price > 0 && listing.Price < existing.Price {
		previousPrice = existing.Price
		existing.PreviousPrice = &previousPrice
		kind = KindChanged
	}

	existing.Title = listing.Title
	existing.Description = listing.Description
	existing.Price = listing.Price
	existing.Currency = listing.Currency
	existing.PriceType = string(listing.PriceType)
	existing.ImageURL = listing.ImageURL
	existing.ProductURL = listing.ProductURL
	existing.Location = listing.Location
	existing.DistanceM = listing.DistanceM
	existing.LastCheckedAt = now
	existing.Available = true

	if err := tx.UpdateProduct(ctx, existing); err != nil {
		return Change{}, err
	}
	return Change{Kind: kind, Product: *existing, PreviousPrice: previousPrice}, nil
}

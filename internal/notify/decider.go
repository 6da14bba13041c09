package notify

import (
	"math"

	"github.com/kirmas/dealradar/internal/reconcile"
	"github.com/kirmas/dealradar/internal/store"
)

// Event is one accepted notification, ready for dispatch. Product and
// PreviousPrice ride along for message formatting.
type Event struct {
	UserID        int64
	QueryID       int64
	ProductID     int64
	Type          store.NotificationType
	Product       store.Product
	PreviousPrice float64
	PercentDrop   int
}

// PercentDrop is the rounded drop percentage. A non-positive old price
// yields zero, which suppresses the event.
func PercentDrop(oldPrice, newPrice float64) int {
	if oldPrice <= 0 {
		return 0
	}
	return int(math.Round((oldPrice - newPrice) / oldPrice * 100))
}

// Decide filters reconciled changes through the query's notification
// policy. The first completed run of a query seeds baseline state and
// never notifies. Deterministic for identical inputs.
func Decide(q store.SearchQuery, changes []reconcile.Change, firstRun bool) []Event {
	if firstRun {
		return nil
	}

	var events []Event
	for _, change := range changes {
		switch change.Kind {
		case reconcile.KindNew:
			if !q.NotifyOnNew {
				continue
			}
			events = append(events, Event{
				UserID:    q.UserID,
				QueryID:   q.ID,
				ProductID: change.Product.ID,
				Type:      store.NotifyNewProduct,
				Product:   change.Product,
			})

		case reconcile.KindChanged:
			if !q.NotifyOnDrop {
				continue
			}
			pct := PercentDrop(change.PreviousPrice, change.Product.Price)
			if pct <= 0 {
				continue
			}
			if q.DropThresholdPct > 0 && pct < q.DropThresholdPct {
				continue
			}
			events = append(events, Event{
				UserID:        q.UserID,
				QueryID:       q.ID,
				ProductID:     change.Product.ID,
				Type:          store.NotifyPriceDrop,
				Product:       change.Product,
				PreviousPrice: change.PreviousPrice,
				PercentDrop:   pct,
			})
		}
	}
	return events
}

package notify

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/virard/localmarket/internal/geo"
	"github.com/virard/localmarket/internal/models"
	"github.com/virard/localmarket/internal/store"
)

// Dispatcher matches availability events against registered interests and
// guarantees at most one notification per interest. The email_sent flip is
// the sole serialization point: whoever wins the conditional update sends,
// everyone else treats the interest as already handled.
type Dispatcher struct {
	db     *sql.DB
	mailer Mailer
}

func NewDispatcher(db *sql.DB, mailer Mailer) *Dispatcher {
	return &Dispatcher{db: db, mailer: mailer}
}

// DispatchFailure records a mailer failure for one interest. The claim
// stands even when delivery fails, keeping the at-most-once guarantee.
type DispatchFailure struct {
	InterestID int64 `json:"interest_id"`
	Err        error `json:"-"`
}

type Report struct {
	NotificationsSent int               `json:"notifications_sent"`
	Failures          []DispatchFailure `json:"failures,omitempty"`
}

// NotifyAvailability finds every unnotified interest within range of the
// product's commerce, claims each one, and mails the winners. One
// interest's mailer failure is recorded and does not stop the rest.
func (d *Dispatcher) NotifyAvailability(ctx context.Context, productID int64) (*Report, error) {
	product, err := store.GetProduct(ctx, d.db, productID)
	if err != nil {
		return nil, err
	}

	commerce, err := store.GetCommerce(ctx, d.db, product.CommerceID)
	if err != nil {
		return nil, err
	}

	report := &Report{}

	// A commerce without coordinates cannot be evaluated for proximity;
	// nothing matches, nothing is claimed.
	origin := geo.PointFromPtrs(commerce.Latitude, commerce.Longitude)
	if !origin.Valid {
		return report, nil
	}

	matches, err := store.FindMatchingInterests(ctx, d.db, product.Name, origin.Lat, origin.Lon)
	if err != nil {
		return nil, err
	}

	for _, match := range matches {
		interest := match.Interest

		claimed, err := store.ClaimInterest(ctx, d.db, interest.ID)
		if err != nil {
			report.Failures = append(report.Failures, DispatchFailure{InterestID: interest.ID, Err: err})
			continue
		}
		if !claimed {
			// Lost the race to another availability event; not an error.
			continue
		}

		distanceKm, err := geo.Distance(geo.NewPoint(interest.Latitude, interest.Longitude), origin)
		if err != nil {
			report.Failures = append(report.Failures, DispatchFailure{InterestID: interest.ID, Err: err})
			continue
		}

		if err := d.mailer.SendAvailability(ctx, &interest, product, commerce, distanceKm); err != nil {
			report.Failures = append(report.Failures, DispatchFailure{
				InterestID: interest.ID,
				Err:        fmt.Errorf("send availability notice: %w", err),
			})
			continue
		}

		report.NotificationsSent++
	}

	return report, nil
}

// NotifyInterest runs the immediate check after an interest is registered:
// when a matching product is already available in range, the interest is
// claimed right away and notified about the nearest match.
func (d *Dispatcher) NotifyInterest(ctx context.Context, interest *models.ProductInterest) (*Report, error) {
	report := &Report{}

	if interest.EmailSent {
		return report, nil
	}

	matches, err := store.FindAvailableMatches(ctx, d.db, interest)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return report, nil
	}

	claimed, err := store.ClaimInterest(ctx, d.db, interest.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return report, nil
	}

	// Matches always carry coordinates; the query excludes commerces
	// without them.
	nearest := matches[0]
	distanceKm, err := geo.Distance(
		geo.NewPoint(interest.Latitude, interest.Longitude),
		geo.PointFromPtrs(nearest.Commerce.Latitude, nearest.Commerce.Longitude))
	if err != nil {
		return nil, err
	}

	if err := d.mailer.SendAvailability(ctx, interest, &nearest.Product, &nearest.Commerce, distanceKm); err != nil {
		report.Failures = append(report.Failures, DispatchFailure{
			InterestID: interest.ID,
			Err:        fmt.Errorf("send availability notice: %w", err),
		})
		return report, nil
	}

	report.NotificationsSent++
	return report, nil
}

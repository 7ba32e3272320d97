package notify

import (
	"context"
	"log"

	"github.com/virard/localmarket/internal/models"
)

// Mailer delivers availability notices. The engine only decides whether and
// to whom a notice goes; rendering and delivery live behind this interface.
type Mailer interface {
	SendAvailability(ctx context.Context, interest *models.ProductInterest, product *models.Product, commerce *models.Commerce, distanceKm float64) error
}

// LogMailer writes notices to the process log. It stands in for a real
// delivery channel in development and tests.
type LogMailer struct {
	FromAddress string
}

func NewLogMailer(fromAddress string) *LogMailer {
	return &LogMailer{FromAddress: fromAddress}
}

func (m *LogMailer) SendAvailability(_ context.Context, interest *models.ProductInterest, product *models.Product, commerce *models.Commerce, distanceKm float64) error {
	log.Printf("availability notice from %s: buyer %d, product %q at %q (%.1f km, interest %d)",
		m.FromAddress, interest.BuyerID, product.Name, commerce.Name, distanceKm, interest.ID)
	return nil
}

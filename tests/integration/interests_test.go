package integration

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/virard/localmarket/internal/models"
	"github.com/virard/localmarket/internal/notify"
	"github.com/virard/localmarket/internal/store"
)

// Buyer location for the proximity scenarios; commerce offsets are in
// kilometers of latitude (1 degree of latitude is ~111.19 km).
const (
	buyerLat = 45.5017
	buyerLon = -73.5673

	kmPerLatDegree = 111.19
)

func latOffsetKm(km float64) float64 {
	return buyerLat + km/kmPerLatDegree
}

func TestNotifyAvailabilityClaimsOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	buyer := createTestUser(t, db, "int-buyer1@example.com", models.RoleBuyer)
	merchant := createTestUser(t, db, "int-merchant1@example.com", models.RoleMerchant)
	commerce := createTestCommerce(t, db, merchant.ID, "Marche Bio",
		ptr(latOffsetKm(8)), ptr(buyerLon))
	product := createTestProduct(t, db, commerce.ID, "INT-001", "Bananes plantain bio", 10, 0)

	interest, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
		BuyerID:     buyer.ID,
		ProductName: "Plantain",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
		RadiusKm:    10,
	})
	if err != nil {
		t.Fatalf("Create interest: %v", err)
	}

	_, becameAvailable, err := store.Restock(ctx, db, product.ID, merchant.ID, 5)
	if err != nil {
		t.Fatalf("Restock: %v", err)
	}
	if !becameAvailable {
		t.Fatal("Expected restock from 0 to report availability")
	}

	mailer := &recordingMailer{}
	dispatcher := notify.NewDispatcher(db, mailer)

	report, err := dispatcher.NotifyAvailability(ctx, product.ID)
	if err != nil {
		t.Fatalf("Notify availability: %v", err)
	}
	if report.NotificationsSent != 1 {
		t.Fatalf("Expected 1 notification, got %d", report.NotificationsSent)
	}

	notices := mailer.notices()
	if len(notices) != 1 || notices[0].interestID != interest.ID {
		t.Fatalf("Expected one notice for interest %d, got %+v", interest.ID, notices)
	}
	if math.Abs(notices[0].distanceKm-8.0) > 0.1 {
		t.Errorf("Expected distance ~8 km, got %.3f", notices[0].distanceKm)
	}

	claimed, err := store.GetInterest(ctx, db, interest.ID)
	if err != nil {
		t.Fatalf("Get interest: %v", err)
	}
	if !claimed.EmailSent {
		t.Error("Expected email_sent to be true after notification")
	}

	// A second availability event must not notify the same interest again.
	report, err = dispatcher.NotifyAvailability(ctx, product.ID)
	if err != nil {
		t.Fatalf("Second notify availability: %v", err)
	}
	if report.NotificationsSent != 0 {
		t.Errorf("Expected 0 further notifications, got %d", report.NotificationsSent)
	}
	if len(mailer.notices()) != 1 {
		t.Errorf("Expected still one notice, got %d", len(mailer.notices()))
	}
}

func TestNotifyAvailabilityOutOfRadius(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	buyer := createTestUser(t, db, "int-buyer2@example.com", models.RoleBuyer)
	merchant := createTestUser(t, db, "int-merchant2@example.com", models.RoleMerchant)
	commerce := createTestCommerce(t, db, merchant.ID, "Far Shop",
		ptr(latOffsetKm(30)), ptr(buyerLon))
	product := createTestProduct(t, db, commerce.ID, "INT-002", "Plantain chips", 10, 5)

	if _, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
		BuyerID:     buyer.ID,
		ProductName: "Plantain",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
		RadiusKm:    10,
	}); err != nil {
		t.Fatalf("Create interest: %v", err)
	}

	mailer := &recordingMailer{}
	report, err := notify.NewDispatcher(db, mailer).NotifyAvailability(ctx, product.ID)
	if err != nil {
		t.Fatalf("Notify availability: %v", err)
	}
	if report.NotificationsSent != 0 {
		t.Errorf("Expected 0 notifications outside radius, got %d", report.NotificationsSent)
	}
}

func TestNotifyAvailabilityNoCommerceCoordinates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	buyer := createTestUser(t, db, "int-buyer3@example.com", models.RoleBuyer)
	merchant := createTestUser(t, db, "int-merchant3@example.com", models.RoleMerchant)
	commerce := createTestCommerce(t, db, merchant.ID, "Nowhere Shop", nil, nil)
	product := createTestProduct(t, db, commerce.ID, "INT-003", "Plantain verte", 10, 5)

	if _, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
		BuyerID:     buyer.ID,
		ProductName: "Plantain",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
		RadiusKm:    10,
	}); err != nil {
		t.Fatalf("Create interest: %v", err)
	}

	mailer := &recordingMailer{}
	report, err := notify.NewDispatcher(db, mailer).NotifyAvailability(ctx, product.ID)
	if err != nil {
		t.Fatalf("Notify availability: %v", err)
	}
	if report.NotificationsSent != 0 {
		t.Errorf("Expected 0 notifications without coordinates, got %d", report.NotificationsSent)
	}
}

func TestNotifyAvailabilityMailerFailureIsolated(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	buyer1 := createTestUser(t, db, "int-buyer4@example.com", models.RoleBuyer)
	buyer2 := createTestUser(t, db, "int-buyer5@example.com", models.RoleBuyer)
	merchant := createTestUser(t, db, "int-merchant4@example.com", models.RoleMerchant)
	commerce := createTestCommerce(t, db, merchant.ID, "Twin Shop",
		ptr(latOffsetKm(5)), ptr(buyerLon))
	product := createTestProduct(t, db, commerce.ID, "INT-004", "Plantain mure", 10, 5)

	interest1, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
		BuyerID:     buyer1.ID,
		ProductName: "Plantain",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
		RadiusKm:    10,
	})
	if err != nil {
		t.Fatalf("Create interest 1: %v", err)
	}

	interest2, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
		BuyerID:     buyer2.ID,
		ProductName: "plantain",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
		RadiusKm:    10,
	})
	if err != nil {
		t.Fatalf("Create interest 2: %v", err)
	}

	mailer := &recordingMailer{
		fails: map[int64]error{interest1.ID: errors.New("smtp unavailable")},
	}

	report, err := notify.NewDispatcher(db, mailer).NotifyAvailability(ctx, product.ID)
	if err != nil {
		t.Fatalf("Notify availability: %v", err)
	}

	if report.NotificationsSent != 1 {
		t.Errorf("Expected 1 successful notification, got %d", report.NotificationsSent)
	}
	if len(report.Failures) != 1 || report.Failures[0].InterestID != interest1.ID {
		t.Errorf("Expected one failure for interest %d, got %+v", interest1.ID, report.Failures)
	}

	// Both interests were claimed; the failed one is not retried by a later
	// event.
	for _, id := range []int64{interest1.ID, interest2.ID} {
		interest, err := store.GetInterest(ctx, db, id)
		if err != nil {
			t.Fatalf("Get interest %d: %v", id, err)
		}
		if !interest.EmailSent {
			t.Errorf("Expected interest %d to be claimed", id)
		}
	}
}

func TestConcurrentNotifyAvailabilityClaimsOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	buyer := createTestUser(t, db, "int-buyer6@example.com", models.RoleBuyer)
	merchant := createTestUser(t, db, "int-merchant6@example.com", models.RoleMerchant)
	commerce := createTestCommerce(t, db, merchant.ID, "Race Shop",
		ptr(latOffsetKm(5)), ptr(buyerLon))
	product := createTestProduct(t, db, commerce.ID, "INT-005", "Plantain jaune", 10, 5)

	if _, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
		BuyerID:     buyer.ID,
		ProductName: "Plantain",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
		RadiusKm:    10,
	}); err != nil {
		t.Fatalf("Create interest: %v", err)
	}

	mailer := &recordingMailer{}
	dispatcher := notify.NewDispatcher(db, mailer)

	var wg sync.WaitGroup
	totals := make(chan int, 4)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			report, err := dispatcher.NotifyAvailability(ctx, product.ID)
			if err != nil {
				t.Errorf("Notify availability: %v", err)
				totals <- 0
				return
			}
			totals <- report.NotificationsSent
		}()
	}

	wg.Wait()
	close(totals)

	sent := 0
	for n := range totals {
		sent += n
	}

	if sent != 1 {
		t.Errorf("Expected exactly one notification across concurrent calls, got %d", sent)
	}
	if len(mailer.notices()) != 1 {
		t.Errorf("Expected exactly one notice, got %d", len(mailer.notices()))
	}
}

func TestNotifyInterestOnRegistration(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	buyer := createTestUser(t, db, "int-buyer7@example.com", models.RoleBuyer)
	merchant := createTestUser(t, db, "int-merchant7@example.com", models.RoleMerchant)
	commerce := createTestCommerce(t, db, merchant.ID, "Ready Shop",
		ptr(latOffsetKm(5)), ptr(buyerLon))
	product := createTestProduct(t, db, commerce.ID, "INT-006", "Bananes plantain", 10, 5)

	interest, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
		BuyerID:     buyer.ID,
		ProductName: "plantain",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
		RadiusKm:    10,
	})
	if err != nil {
		t.Fatalf("Create interest: %v", err)
	}

	mailer := &recordingMailer{}
	report, err := notify.NewDispatcher(db, mailer).NotifyInterest(ctx, interest)
	if err != nil {
		t.Fatalf("Notify interest: %v", err)
	}
	if report.NotificationsSent != 1 {
		t.Fatalf("Expected 1 notification on registration, got %d", report.NotificationsSent)
	}

	notices := mailer.notices()
	if len(notices) != 1 || notices[0].productID != product.ID {
		t.Fatalf("Expected a notice for product %d, got %+v", product.ID, notices)
	}
}

func TestFindAvailableMatchesOrdering(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	buyer := createTestUser(t, db, "int-buyer8@example.com", models.RoleBuyer)
	merchant := createTestUser(t, db, "int-merchant8@example.com", models.RoleMerchant)

	near := createTestCommerce(t, db, merchant.ID, "Near Shop",
		ptr(latOffsetKm(3)), ptr(buyerLon))
	far := createTestCommerce(t, db, merchant.ID, "Farther Shop",
		ptr(latOffsetKm(9)), ptr(buyerLon))
	noCoords := createTestCommerce(t, db, merchant.ID, "Unknown Shop", nil, nil)

	nearProduct := createTestProduct(t, db, near.ID, "INT-007", "Plantain locale", 10, 5)
	farProduct := createTestProduct(t, db, far.ID, "INT-008", "Plantain importee", 10, 5)
	createTestProduct(t, db, far.ID, "INT-009", "Plantain epuisee", 10, 0)
	createTestProduct(t, db, noCoords.ID, "INT-010", "Plantain fantome", 10, 5)

	interest, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
		BuyerID:     buyer.ID,
		ProductName: "PLANTAIN",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
		RadiusKm:    15,
	})
	if err != nil {
		t.Fatalf("Create interest: %v", err)
	}

	matches, err := store.FindAvailableMatches(ctx, db, interest)
	if err != nil {
		t.Fatalf("Find available matches: %v", err)
	}

	// Out-of-stock and coordinate-less products are excluded; the rest come
	// back nearest first.
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	if matches[0].Product.ID != nearProduct.ID {
		t.Errorf("Expected nearest product %d first, got %d", nearProduct.ID, matches[0].Product.ID)
	}
	if matches[1].Product.ID != farProduct.ID {
		t.Errorf("Expected product %d second, got %d", farProduct.ID, matches[1].Product.ID)
	}
	if matches[0].DistanceKm >= matches[1].DistanceKm {
		t.Errorf("Expected ascending distances, got %.2f then %.2f",
			matches[0].DistanceKm, matches[1].DistanceKm)
	}
}

func TestCreateInterestDefaultRadius(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	buyer := createTestUser(t, db, "int-buyer9@example.com", models.RoleBuyer)

	interest, err := store.CreateInterest(context.Background(), db, store.CreateInterestRequest{
		BuyerID:     buyer.ID,
		ProductName: "Plantain",
		Latitude:    ptr(buyerLat),
		Longitude:   ptr(buyerLon),
	})
	if err != nil {
		t.Fatalf("Create interest: %v", err)
	}

	if interest.RadiusKm != models.DefaultInterestRadiusKm {
		t.Errorf("Expected default radius %v, got %v", models.DefaultInterestRadiusKm, interest.RadiusKm)
	}
}

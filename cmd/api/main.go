package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/virard/localmarket/internal/config"
	"github.com/virard/localmarket/internal/database"
	"github.com/virard/localmarket/internal/geo"
	"github.com/virard/localmarket/internal/notify"
	"github.com/virard/localmarket/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	log.Printf("Connected to database successfully")

	dispatcher := notify.NewDispatcher(db, notify.NewLogMailer(cfg.Mailer.FromAddress))

	mux := http.NewServeMux()

	mux.HandleFunc("/users", handleUsers(db))
	mux.HandleFunc("/users/", handleUserByID(db))
	mux.HandleFunc("/commerces", handleCommerces(db))
	mux.HandleFunc("/commerces/", handleCommerceByID(db))
	mux.HandleFunc("/products", handleProducts(db))
	mux.HandleFunc("/products/", handleProductByID(db, dispatcher))
	mux.HandleFunc("/orders", handleOrders(db))
	mux.HandleFunc("/orders/", handleOrderByID(db))
	mux.HandleFunc("/interests", handleInterests(db, dispatcher))
	mux.HandleFunc("/interests/", handleInterestByID(db))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func handleUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				Email string `json:"email"`
				Name  string `json:"name"`
				Role  string `json:"role"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			user, err := store.CreateUser(ctx, db, req.Email, req.Name, req.Role)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusCreated, user)

		case http.MethodGet:
			page, pageSize := pageParams(r)

			result, err := store.ListUsers(ctx, db, page, pageSize)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleUserByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _, ok := parseIDPath(r.URL.Path, "/users/")
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid user ID")
			return
		}

		user, err := store.GetUser(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, user)
	}
}

func handleCommerces(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				OwnerID     int64    `json:"owner_id"`
				Name        string   `json:"name"`
				Description string   `json:"description"`
				Latitude    *float64 `json:"latitude"`
				Longitude   *float64 `json:"longitude"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			commerce, err := store.CreateCommerce(ctx, db, store.CreateCommerceRequest{
				OwnerID:     req.OwnerID,
				Name:        req.Name,
				Description: req.Description,
				Latitude:    req.Latitude,
				Longitude:   req.Longitude,
			})
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusCreated, commerce)

		case http.MethodGet:
			page, pageSize := pageParams(r)

			result, err := store.ListCommerces(ctx, db, page, pageSize)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleCommerceByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, rest, ok := parseIDPath(r.URL.Path, "/commerces/")
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid commerce ID")
			return
		}

		switch rest {
		case "":
			commerce, err := store.GetCommerce(ctx, db, id)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, commerce)

		case "products":
			page, pageSize := pageParams(r)
			result, err := store.ListProductsByCommerce(ctx, db, id, page, pageSize)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusNotFound, "Not found")
		}
	}
}

func handleProducts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			CommerceID  int64   `json:"commerce_id"`
			SKU         string  `json:"sku"`
			Name        string  `json:"name"`
			Description string  `json:"description"`
			Price       float64 `json:"price"`
			Stock       int     `json:"stock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		product, err := store.CreateProduct(r.Context(), db, store.CreateProductRequest{
			CommerceID:  req.CommerceID,
			SKU:         req.SKU,
			Name:        req.Name,
			Description: req.Description,
			Price:       decimal.NewFromFloat(req.Price),
			Stock:       req.Stock,
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, product)
	}
}

func handleProductByID(db *sql.DB, dispatcher *notify.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, rest, ok := parseIDPath(r.URL.Path, "/products/")
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid product ID")
			return
		}

		switch rest {
		case "":
			switch r.Method {
			case http.MethodGet:
				product, err := store.GetProduct(ctx, db, id)
				if err != nil {
					respondStoreError(w, err)
					return
				}
				respondJSON(w, http.StatusOK, product)

			case http.MethodPut:
				var req struct {
					Name        string  `json:"name"`
					Description string  `json:"description"`
					Price       float64 `json:"price"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					respondError(w, http.StatusBadRequest, "Invalid request body")
					return
				}

				product, err := store.UpdateProduct(ctx, db, id, store.UpdateProductRequest{
					Name:        req.Name,
					Description: req.Description,
					Price:       decimal.NewFromFloat(req.Price),
				})
				if err != nil {
					respondStoreError(w, err)
					return
				}
				respondJSON(w, http.StatusOK, product)

			default:
				respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			}

		case "restock":
			if r.Method != http.MethodPost {
				respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}

			var req struct {
				MerchantID int64 `json:"merchant_id"`
				Quantity   int   `json:"quantity"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			product, becameAvailable, err := store.Restock(ctx, db, id, req.MerchantID, req.Quantity)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			report := &notify.Report{}
			if becameAvailable {
				report, err = dispatcher.NotifyAvailability(ctx, id)
				if err != nil {
					// Restock already committed; report the dispatch problem
					// without undoing the stock change.
					log.Printf("Notify availability for product %d: %v", id, err)
					report = &notify.Report{}
				}
			}
			for _, failure := range report.Failures {
				log.Printf("Dispatch failure for interest %d: %v", failure.InterestID, failure.Err)
			}

			respondJSON(w, http.StatusOK, map[string]interface{}{
				"product":            product,
				"notifications_sent": report.NotificationsSent,
			})

		default:
			respondError(w, http.StatusNotFound, "Not found")
		}
	}
}

func handleOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				BuyerID int64 `json:"buyer_id"`
				Items   []struct {
					ProductID int64   `json:"product_id"`
					Quantity  int     `json:"quantity"`
					Discount  float64 `json:"discount"`
				} `json:"items"`
				DeliveryAddress string `json:"delivery_address"`
				Phone           string `json:"phone"`
				Notes           string `json:"notes"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			var items []store.OrderItemRequest
			for _, item := range req.Items {
				items = append(items, store.OrderItemRequest{
					ProductID: item.ProductID,
					Quantity:  item.Quantity,
					Discount:  decimal.NewFromFloat(item.Discount),
				})
			}

			order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
				BuyerID:         req.BuyerID,
				Items:           items,
				DeliveryAddress: req.DeliveryAddress,
				Phone:           req.Phone,
				Notes:           req.Notes,
			})
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusCreated, order)

		case http.MethodGet:
			buyerID, err := strconv.ParseInt(r.URL.Query().Get("buyer_id"), 10, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid buyer_id")
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit < 1 || limit > 100 {
				limit = 20
			}

			result, err := store.ListOrdersCursor(ctx, db, buyerID, r.URL.Query().Get("cursor"), limit)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleOrderByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, rest, ok := parseIDPath(r.URL.Path, "/orders/")
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		switch rest {
		case "":
			order, err := store.GetOrder(ctx, db, id)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, order)

		case "cancel":
			if r.Method != http.MethodPost {
				respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}

			var req struct {
				RequesterID int64 `json:"requester_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			order, err := store.CancelOrder(ctx, db, id, req.RequesterID)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, order)

		case "status":
			if r.Method != http.MethodPost {
				respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}

			var req struct {
				ActorID int64  `json:"actor_id"`
				Status  string `json:"status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			order, err := store.TransitionOrderStatus(ctx, db, id, req.ActorID, req.Status)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, order)

		default:
			respondError(w, http.StatusNotFound, "Not found")
		}
	}
}

func handleInterests(db *sql.DB, dispatcher *notify.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				BuyerID     int64    `json:"buyer_id"`
				ProductName string   `json:"product_name"`
				Message     string   `json:"message"`
				Latitude    *float64 `json:"latitude"`
				Longitude   *float64 `json:"longitude"`
				RadiusKm    float64  `json:"radius_km"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			interest, err := store.CreateInterest(ctx, db, store.CreateInterestRequest{
				BuyerID:     req.BuyerID,
				ProductName: req.ProductName,
				Message:     req.Message,
				Latitude:    req.Latitude,
				Longitude:   req.Longitude,
				RadiusKm:    req.RadiusKm,
			})
			if err != nil {
				respondStoreError(w, err)
				return
			}

			// Availability may already exist in range; check right away.
			report, err := dispatcher.NotifyInterest(ctx, interest)
			if err != nil {
				log.Printf("Notify interest %d: %v", interest.ID, err)
				report = &notify.Report{}
			}
			if report.NotificationsSent > 0 {
				interest.EmailSent = true
			}

			respondJSON(w, http.StatusCreated, map[string]interface{}{
				"interest":           interest,
				"notifications_sent": report.NotificationsSent,
			})

		case http.MethodGet:
			buyerID, err := strconv.ParseInt(r.URL.Query().Get("buyer_id"), 10, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid buyer_id")
				return
			}

			interests, err := store.ListInterestsByBuyer(ctx, db, buyerID)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusOK, interests)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleInterestByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, rest, ok := parseIDPath(r.URL.Path, "/interests/")
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid interest ID")
			return
		}

		switch rest {
		case "":
			interest, err := store.GetInterest(ctx, db, id)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, interest)

		case "fulfill":
			if r.Method != http.MethodPost {
				respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}

			if err := store.FulfillInterest(ctx, db, id); err != nil {
				respondStoreError(w, err)
				return
			}

			interest, err := store.GetInterest(ctx, db, id)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, interest)

		default:
			respondError(w, http.StatusNotFound, "Not found")
		}
	}
}

func parseIDPath(path, prefix string) (int64, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	idStr, sub, _ := strings.Cut(rest, "/")

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}

	return id, sub, true
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondStoreError(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err.Error())
}

// statusForError maps the store's sentinel errors onto HTTP statuses:
// validation problems are 400, authorization 403, missing rows 404, and
// business-rule rejections (stock, state machine) 409.
func statusForError(err error) int {
	switch {
	case errors.Is(err, database.ErrValidation),
		errors.Is(err, geo.ErrMissingCoordinates):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrCommerceNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrInterestNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrInvalidStateTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

package models

const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusPreparing = "preparing"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

func IsValidOrderStatus(status string) bool {
	switch status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

func IsTerminalOrderStatus(status string) bool {
	return status == OrderStatusDelivered || status == OrderStatusCancelled
}

// orderTransitions is the allowed order state machine. Cancellation is only
// possible before preparation starts; delivery requires preparation.
var orderTransitions = map[string][]string{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing: {OrderStatusDelivered},
}

func CanTransitionOrder(from, to string) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsForwardOrderStatus reports whether status is a merchant-driven progress
// state, as opposed to cancellation, which belongs to the buyer.
func IsForwardOrderStatus(status string) bool {
	switch status {
	case OrderStatusConfirmed, OrderStatusPreparing, OrderStatusDelivered:
		return true
	}
	return false
}

package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-order-fulfillment/internal/cart"
	"github.com/ariefcatur/go-order-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment/internal/jobqueue"
	"github.com/ariefcatur/go-order-fulfillment/internal/lock"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"go.uber.org/zap"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "BAD_REQUEST"})
}

// writeError tells the caller which constraint failed so they can pick the
// right correction: retry, change the cart, or stop.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var ise *orders.InsufficientStockError
	switch {
	case errors.Is(err, lock.ErrAcquireTimeout):
		writeJSON(w, http.StatusConflict, errorBody{Error: "resource busy, try again", Code: "LOCK_TIMEOUT", Retryable: true})
	case errors.Is(err, orders.ErrCartEmpty):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "CART_EMPTY"})
	case errors.As(err, &ise):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "INSUFFICIENT_STOCK", VariantID: ise.VariantID})
	case errors.Is(err, orders.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "order not found", Code: "ORDER_NOT_FOUND"})
	case errors.Is(err, orders.ErrVariantNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "VARIANT_NOT_FOUND"})
	case errors.Is(err, cart.ErrItemNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "CART_ITEM_NOT_FOUND"})
	case errors.Is(err, jobqueue.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "JOB_NOT_FOUND"})
	case errors.Is(err, orders.ErrInvalidStatusTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "INVALID_STATUS_TRANSITION"})
	case errors.Is(err, cart.ErrInvalidQuantity):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "INVALID_QUANTITY"})
	case errors.Is(err, orders.ErrInvalidPaymentMethod):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "INVALID_PAYMENT_METHOD"})
	case errors.Is(err, checkout.ErrPromotionRejected):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "PROMOTION_REJECTED"})
	default:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "INTERNAL"})
	}
}

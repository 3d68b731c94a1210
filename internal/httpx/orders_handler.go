package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment/internal/jobqueue"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID string, pl checkout.Placement) (*orders.Order, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*orders.Order, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (notify.CachedStatus, bool, error)
	Put(ctx context.Context, orderID string, s notify.CachedStatus) error
}

type Transitioner interface {
	Transition(ctx context.Context, orderID string, target orders.Status) (*orders.Order, error)
}

type Fulfillment interface {
	ConfirmPayment(ctx context.Context, orderID string) (*orders.Order, error)
	RequestShipment(ctx context.Context, orderID string, t fulfillment.TrackingUpdate) error
	ReportTracking(ctx context.Context, orderID string, t fulfillment.TrackingUpdate) error
	RequestRefund(ctx context.Context, orderID, reason string) error
	FailedJobs(ctx context.Context, limit int64) ([]*jobqueue.Job, error)
	RetryJob(ctx context.Context, id string) error
}

// OrdersHandler serves checkout, order reads and the operator endpoints
// that move orders along. Operator routes trust the gateway for auth.
type OrdersHandler struct {
	Placer      OrderPlacer
	Orders      OrderReader
	Status      StatusCache
	Machine     Transitioner
	Fulfillment Fulfillment
	Log         *zap.Logger
}

type transitionReq struct {
	Status orders.Status `json:"status"`
}

type refundReq struct {
	Reason string `json:"reason"`
}

type statusResp struct {
	OrderID   string        `json:"order_id"`
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
	Cached    bool          `json:"cached"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/orders", h.placeOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/refund", h.requestRefund)
	})
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/transitions", h.transition)
	r.Post("/orders/{id}/payment/confirm", h.confirmPayment)
	r.Post("/orders/{id}/shipments", h.requestShipment)
	r.Post("/orders/{id}/tracking", h.reportTracking)
	r.Get("/jobs/failed", h.failedJobs)
	r.Post("/jobs/failed/{jobID}/retry", h.retryJob)
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.Placement
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.ShippingAddress.IsZero() {
		badRequest(w, "missing shipping_address")
		return
	}
	o, err := h.Placer.PlaceOrder(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// loadOwned hides other users' orders behind a 404.
func (h *OrdersHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*orders.Order, bool) {
	o, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return nil, false
	}
	if o.UserID != userID(r) {
		writeError(w, h.Log, orders.ErrOrderNotFound)
		return nil, false
	}
	return o, true
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	if o, ok := h.loadOwned(w, r); ok {
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if s, ok, err := h.Status.Get(ctx, id); err == nil && ok {
		writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: s.Status, UpdatedAt: s.UpdatedAt, Cached: true})
		return
	} else if err != nil {
		h.Log.Warn("status cache read", zap.String("order_id", id), zap.Error(err))
	}

	o, err := h.Orders.GetOrder(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.Status.Put(ctx, id, notify.CachedStatus{Status: o.Status, UpdatedAt: o.UpdatedAt}); err != nil {
		h.Log.Warn("status cache write", zap.String("order_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: o.Status, UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if !req.Status.Valid() {
		badRequest(w, "unknown status")
		return
	}
	o, err := h.Machine.Transition(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	o, err := h.Fulfillment.ConfirmPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) requestShipment(w http.ResponseWriter, r *http.Request) {
	var t fulfillment.TrackingUpdate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if err := h.Fulfillment.RequestShipment(r.Context(), chi.URLParam(r, "id"), t); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *OrdersHandler) reportTracking(w http.ResponseWriter, r *http.Request) {
	var t fulfillment.TrackingUpdate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if t.Status == "" {
		badRequest(w, "missing status")
		return
	}
	if err := h.Fulfillment.ReportTracking(r.Context(), chi.URLParam(r, "id"), t); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *OrdersHandler) requestRefund(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	o, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if err := h.Fulfillment.RequestRefund(r.Context(), o.ID, req.Reason); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *OrdersHandler) failedJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	jobs, err := h.Fulfillment.FailedJobs(r.Context(), limit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *OrdersHandler) retryJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Fulfillment.RetryJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

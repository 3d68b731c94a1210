package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ariefcatur/go-order-fulfillment/internal/cart"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HeaderUserID carries the caller identity set by the auth gateway.
const HeaderUserID = "X-User-ID"

type CartService interface {
	GetOrCreate(ctx context.Context, userID string) *cart.Cart
	AddItem(ctx context.Context, userID, variantID string, qty int) (*cart.Cart, error)
	UpdateItem(ctx context.Context, userID, itemID string, qty int) (*cart.Cart, error)
	RemoveItem(ctx context.Context, userID, itemID string) (*cart.Cart, error)
	Clear(ctx context.Context, userID string) error
}

type CartHandler struct {
	Carts CartService
	Log   *zap.Logger
}

type addItemReq struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type updateItemReq struct {
	Quantity int `json:"quantity"`
}

type cartResp struct {
	ID       string       `json:"id"`
	Items    []*cart.Item `json:"items"`
	Totals   cart.Totals  `json:"totals"`
	Degraded bool         `json:"degraded,omitempty"`
}

func (h *CartHandler) Register(r chi.Router) {
	r.Route("/cart", func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/", h.get)
		r.Delete("/", h.clear)
		r.Post("/items", h.addItem)
		r.Patch("/items/{itemID}", h.updateItem)
		r.Delete("/items/{itemID}", h.removeItem)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderUserID) == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + HeaderUserID, Code: "UNAUTHENTICATED"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string { return r.Header.Get(HeaderUserID) }

func toCartResp(c *cart.Cart) cartResp {
	return cartResp{ID: c.ID, Items: c.Lines(), Totals: cart.ComputeTotals(c), Degraded: c.Degraded}
}

func (h *CartHandler) get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toCartResp(h.Carts.GetOrCreate(r.Context(), userID(r))))
}

func (h *CartHandler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.VariantID == "" {
		badRequest(w, "missing variant_id")
		return
	}
	c, err := h.Carts.AddItem(r.Context(), userID(r), req.VariantID, req.Quantity)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (h *CartHandler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	c, err := h.Carts.UpdateItem(r.Context(), userID(r), chi.URLParam(r, "itemID"), req.Quantity)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (h *CartHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.RemoveItem(r.Context(), userID(r), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (h *CartHandler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.Carts.Clear(r.Context(), userID(r)); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/service"
	"github.com/fjod/go_cart/cartsync/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// CartProvider resolves the cart of an authenticated user.
type CartProvider interface {
	Cart(userID string) (*service.Cart, error)
}

type CartHandler struct {
	carts    CartProvider
	timeout  time.Duration
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewCartHandler(carts CartProvider, timeout time.Duration, log logrus.FieldLogger) *CartHandler {
	return &CartHandler{
		carts:    carts,
		timeout:  timeout,
		validate: validator.New(),
		log:      log,
	}
}

type SetQuantityRequestDTO struct {
	Quantity *int          `json:"quantity" validate:"required"`
	Fields   domain.Fields `json:"fields"`
}

type ItemRequestDTO struct {
	Fields domain.Fields `json:"fields"`
}

type QuantityResponseDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// GET /api/v1/cart
func (h *CartHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	respondJSON(w, http.StatusOK, cart.Service.Summary(ctx))
}

// GET /api/v1/cart/items/{product_id}
func (h *CartHandler) GetQuantity(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	p, ok := productFromRequest(w, r, nil)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	respondJSON(w, http.StatusOK, QuantityResponseDTO{
		ProductID: p.ID,
		Quantity:  cart.Service.GetQuantity(ctx, p.ID),
	})
}

// PUT /api/v1/cart/items/{product_id}
func (h *CartHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}

	var req SetQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity is required")
		return
	}

	p, ok := productFromRequest(w, r, req.Fields)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	quantity, err := cart.Service.SetQuantity(ctx, p, *req.Quantity)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, QuantityResponseDTO{ProductID: p.ID, Quantity: quantity})
}

// POST /api/v1/cart/items
//
// The body is a product record as served by the catalogue ({"id" or "product_id", ...metadata}).
// An optional numeric "quantity" sets that quantity; otherwise one unit is added.
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	p, err := domain.ProductFromPayload(payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "id or product_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var quantity int
	if raw, ok := payload["quantity"]; ok {
		requested, isNumber := raw.(float64)
		if !isNumber {
			respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be a number")
			return
		}
		quantity, err = cart.Service.SetQuantity(ctx, p, int(requested))
	} else {
		quantity, err = cart.Service.Increment(ctx, p)
	}
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, QuantityResponseDTO{ProductID: p.ID, Quantity: quantity})
}

// POST /api/v1/cart/items/{product_id}/increment
func (h *CartHandler) Increment(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, s *service.CartService, p domain.Product) (int, error) {
		return s.Increment(ctx, p)
	})
}

// POST /api/v1/cart/items/{product_id}/decrement?mode=listing|cart
func (h *CartHandler) Decrement(w http.ResponseWriter, r *http.Request) {
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "listing":
		h.step(w, r, func(ctx context.Context, s *service.CartService, p domain.Product) (int, error) {
			return s.DecrementListing(ctx, p)
		})
	case "cart":
		h.step(w, r, func(ctx context.Context, s *service.CartService, p domain.Product) (int, error) {
			return s.DecrementInCart(ctx, p)
		})
	default:
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be listing or cart")
	}
}

// DELETE /api/v1/cart/items/{product_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	p, ok := productFromRequest(w, r, nil)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := cart.Service.Remove(ctx, p); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, QuantityResponseDTO{ProductID: p.ID, Quantity: 0})
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := cart.Service.Clear(ctx); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, domain.Summarize(nil))
}

func (h *CartHandler) step(w http.ResponseWriter, r *http.Request, op func(context.Context, *service.CartService, domain.Product) (int, error)) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}

	// the body is optional for stepper calls
	var req ItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	p, ok := productFromRequest(w, r, req.Fields)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	quantity, err := op(ctx, cart.Service, p)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, QuantityResponseDTO{ProductID: p.ID, Quantity: quantity})
}

func (h *CartHandler) cart(w http.ResponseWriter, r *http.Request) (*service.Cart, bool) {
	userID := getUserIDFromContext(r.Context())
	cart, err := h.carts.Cart(userID)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return nil, false
	}
	return cart, true
}

func productFromRequest(w http.ResponseWriter, r *http.Request, fields domain.Fields) (domain.Product, bool) {
	p, err := domain.NewProduct(chi.URLParam(r, "product_id"), fields)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return domain.Product{}, false
	}
	return p, true
}

func (h *CartHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingProductID):
		respondError(w, http.StatusBadRequest, "invalid_product_id", err.Error())
	case errors.Is(err, service.ErrInvalidUser):
		respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "cart storage did not answer in time")
	case errors.Is(err, context.Canceled):
		respondError(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		logger.WithTrace(r.Context(), h.log).WithError(err).WithField("request_id", getRequestID(r.Context())).Error("cart request failed")
		respondError(w, http.StatusInternalServerError, "storage_error", "cart could not be saved")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

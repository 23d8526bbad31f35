package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/app"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// OrderAPI is the subset of app.OrderService the order endpoints need.
type OrderAPI interface {
	Create(ctx context.Context, in app.CreateOrderInput) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	Cancel(ctx context.Context, actor domain.Actor, orderID string) (app.Transition, error)
}

// HandleCreateOrder serves POST /orders.
func HandleCreateOrder(svc OrderAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		var req createOrderRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.ActivityID == "" {
			writeError(w, http.StatusBadRequest, codeMissingRequiredField, "activity_id is required")
			return
		}

		order, err := svc.Create(r.Context(), app.CreateOrderInput{
			Actor:        actor,
			ActivityID:   req.ActivityID,
			Quantity:     req.Quantity,
			GroupOrderID: req.GroupOrderID,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newOrderResponse(order))
	}
}

// HandleOrder serves GET /orders/{id} and POST /orders/{id}/cancel.
func HandleOrder(svc OrderAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, action, ok := parseOrderPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			order, err := svc.Get(r.Context(), orderID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			if !canView(actor, order) {
				writeDomainError(w, domain.ErrForbidden)
				return
			}
			writeJSON(w, http.StatusOK, newOrderResponse(order))
		case action == "cancel" && r.Method == http.MethodPost:
			res, err := svc.Cancel(r.Context(), actor, orderID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, transitionResponse{
				Order:   newOrderResponse(res.Order),
				Changed: res.Changed,
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
		}
	}
}

func canView(actor domain.Actor, order domain.Order) bool {
	switch {
	case actor.Role == domain.RoleOperator:
		return true
	case actor.IsMerchant():
		return actor.MerchantID == order.MerchantID
	default:
		return actor.UserID == order.UserID
	}
}

func parseOrderPath(path string) (id, action string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "orders" || parts[1] == "" {
		return "", "", false
	}
	if len(parts) == 3 {
		if parts[2] != "cancel" {
			return "", "", false
		}
		return parts[1], parts[2], true
	}
	return parts[1], "", true
}

type createOrderRequest struct {
	ActivityID   string `json:"activity_id"`
	Quantity     int    `json:"quantity"`
	GroupOrderID string `json:"group_order_id"`
}

type orderResponse struct {
	ID           string     `json:"id"`
	OrderNo      string     `json:"order_no"`
	ActivityID   string     `json:"activity_id"`
	GroupOrderID string     `json:"group_order_id,omitempty"`
	Quantity     int        `json:"quantity"`
	Amount       int64      `json:"amount"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

func newOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID:           o.ID,
		OrderNo:      o.OrderNo,
		ActivityID:   o.ActivityID,
		GroupOrderID: o.GroupOrderID,
		Quantity:     o.Quantity,
		Amount:       o.Amount,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt,
		ExpiresAt:    o.ExpiresAt,
		PaidAt:       o.PaidAt,
		ClosedAt:     o.ClosedAt,
	}
}

type transitionResponse struct {
	Order   orderResponse `json:"order"`
	Changed bool          `json:"changed"`
}

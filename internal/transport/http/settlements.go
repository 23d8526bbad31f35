package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExhaustedLister is satisfied by app.SettlementService.
type ExhaustedLister interface {
	ListExhausted(ctx context.Context, limit int) ([]domain.SharingRecord, error)
}

// HandleExhaustedSettlements serves GET /admin/settlements/exhausted for operators.
func HandleExhaustedSettlements(svc ExhaustedLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		if actor.Role != domain.RoleOperator {
			writeDomainError(w, domain.ErrForbidden)
			return
		}

		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}

		records, err := svc.ListExhausted(r.Context(), limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := make([]sharingResponse, 0, len(records))
		for _, rec := range records {
			resp = append(resp, sharingResponse{
				ID:            rec.ID,
				VoucherID:     rec.VoucherID,
				OrderID:       rec.OrderID,
				MerchantID:    rec.MerchantID,
				Amount:        rec.Amount,
				Status:        string(rec.Status),
				RetryCount:    rec.RetryCount,
				LastAttemptAt: rec.LastAttemptAt,
				LastError:     rec.LastError,
				CreatedAt:     rec.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type sharingResponse struct {
	ID            string     `json:"id"`
	VoucherID     string     `json:"voucher_id"`
	OrderID       string     `json:"order_id"`
	MerchantID    string     `json:"merchant_id"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

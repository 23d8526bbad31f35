package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/app"
)

// VoucherRedeemer is the minimal interface needed to redeem a voucher.
type VoucherRedeemer interface {
	Redeem(ctx context.Context, in app.RedeemInput) (app.RedeemResult, error)
}

// HandleRedeemVoucher serves POST /vouchers/redeem for merchant staff.
func HandleRedeemVoucher(svc VoucherRedeemer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		var req redeemRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.Code == "" {
			writeError(w, http.StatusBadRequest, codeMissingRequiredField, "code is required")
			return
		}

		res, err := svc.Redeem(r.Context(), app.RedeemInput{Code: req.Code, Actor: actor})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, redeemResponse{
			VoucherID:       res.Voucher.ID,
			OrderID:         res.Voucher.OrderID,
			Status:          string(res.Voucher.Status),
			UsedAt:          res.Voucher.UsedAt,
			SharingID:       res.Sharing.ID,
			SharingAmount:   res.Sharing.Amount,
			SettlementState: string(res.Sharing.Status),
		})
	}
}

type redeemRequest struct {
	Code string `json:"code"`
}

type redeemResponse struct {
	VoucherID       string     `json:"voucher_id"`
	OrderID         string     `json:"order_id"`
	Status          string     `json:"status"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
	SharingID       string     `json:"sharing_id"`
	SharingAmount   int64      `json:"sharing_amount"`
	SettlementState string     `json:"settlement_status"`
}

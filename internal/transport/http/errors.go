package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

const (
	codeMethodNotAllowed     = "method_not_allowed"
	codeNotFound             = "not_found"
	codeInvalidRequestBody   = "invalid_request_body"
	codeMissingRequiredField = "missing_required_field"
	codeUnauthenticated      = "unauthenticated"
	codeForbidden            = "forbidden"
	codeInternalError        = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeDomainError maps a service error onto a status and a code derived from
// its kind. Internal errors never leak their message.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.Kind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		writeError(w, status, codeInternalError, "internal error")
		return
	}
	writeError(w, status, strings.ToLower(kind), err.Error())
}

func statusForKind(kind string) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindOutOfStock,
		domain.KindInvalidStateTransition,
		domain.KindConflict,
		domain.KindSettlementExhausted:
		return http.StatusConflict
	case domain.KindLockUnavailable, domain.KindCanceled:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

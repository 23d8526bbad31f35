package http

import (
	"net/http"
	"strings"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// Identity headers set by the authenticating gateway in front of this service.
const (
	headerUserID     = "X-User-ID"
	headerUserRole   = "X-User-Role"
	headerMerchantID = "X-Merchant-ID"
	headerEmployeeID = "X-Employee-ID"
)

// actorFromRequest reads the verified caller identity. Requests without a user
// id are rejected; an absent role means consumer.
func actorFromRequest(r *http.Request) (domain.Actor, bool) {
	actor := domain.Actor{
		UserID:     strings.TrimSpace(r.Header.Get(headerUserID)),
		Role:       domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerUserRole)))),
		MerchantID: strings.TrimSpace(r.Header.Get(headerMerchantID)),
		EmployeeID: strings.TrimSpace(r.Header.Get(headerEmployeeID)),
	}
	if actor.UserID == "" {
		return domain.Actor{}, false
	}
	switch actor.Role {
	case "":
		actor.Role = domain.RoleConsumer
	case domain.RoleConsumer, domain.RoleMerchant, domain.RoleOperator:
	default:
		return domain.Actor{}, false
	}
	return actor, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, "missing or invalid caller identity")
	}
	return actor, ok
}

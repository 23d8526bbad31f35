package domain

type Role string

const (
	RoleConsumer Role = "consumer"
	RoleMerchant Role = "merchant"
	RoleOperator Role = "operator"
)

// Actor is the verified caller identity handed over by the authentication
// layer. It is passed explicitly into every operation.
type Actor struct {
	UserID     string
	Role       Role
	MerchantID string
	EmployeeID string
}

func (a Actor) IsMerchant() bool {
	return a.Role == RoleMerchant && a.MerchantID != ""
}

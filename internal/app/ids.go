package app

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

func newUUID() string {
	return uuid.NewString()
}

// Crockford-style alphabet without 0/O/1/I to keep codes readable at the counter.
var voucherCodeEncoding = base32.NewEncoding("ABCDEFGHJKLMNPQRSTUVWXYZ23456789").WithPadding(base32.NoPadding)

// newVoucherCode returns 128 random bits as a 26 character code.
func newVoucherCode() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate voucher code: %w", err)
	}
	return voucherCodeEncoding.EncodeToString(b), nil
}

func newOrderNumberNode(nodeID int64) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("order number node %d: %w", nodeID, err)
	}
	return node, nil
}

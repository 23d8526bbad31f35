package domain

import "time"

// Lock is a transient mutual-exclusion lease; it lives only in the lock store.
type Lock struct {
	Key        string
	OwnerToken string
	ExpiresAt  time.Time
}

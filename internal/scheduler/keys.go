package scheduler

// Lock keys, one mutex per periodic job across the fleet.
const (
	LockMemberSync       = "lock:member:sync"
	LockOnboardingExpire = "lock:onboarding:expire"
	LockEquityScan       = "lock:equity:scan"
	LockActivitySync     = "lock:activity:sync"
	LockGroupBuyExpire   = "lock:groupbuy:expire"
	LockOrderTimeout     = "lock:order:timeout"
	LockReminderSend     = "lock:reminder:send"
	LockSettlementRetry  = "lock:settlement:retry"
)

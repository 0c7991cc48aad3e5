package errutil

// Reason is a stable, machine-readable rejection code. Clients branch on it;
// the message text may change freely.
type Reason string

const (
	ReasonNotFound        Reason = "NOT_FOUND"
	ReasonInvalidArgument Reason = "INVALID_ARGUMENT"
	ReasonInvalidAmount   Reason = "INVALID_AMOUNT"

	// voucher
	ReasonInactive            Reason = "INACTIVE"
	ReasonBelowMinimum        Reason = "BELOW_MINIMUM"
	ReasonScopeMismatch       Reason = "SCOPE_MISMATCH"
	ReasonNotEligible         Reason = "NOT_ELIGIBLE"
	ReasonUserLimitExceeded   Reason = "USER_LIMIT_EXCEEDED"
	ReasonGlobalLimitExceeded Reason = "GLOBAL_LIMIT_EXCEEDED"
	ReasonAlreadyUsedForOrder Reason = "ALREADY_USED_FOR_ORDER"

	// gift card
	ReasonInvalidPin          Reason = "INVALID_PIN"
	ReasonPinLocked           Reason = "PIN_LOCKED"
	ReasonExpired             Reason = "EXPIRED"
	ReasonCancelled           Reason = "CANCELLED"
	ReasonAlreadyEmpty        Reason = "ALREADY_EMPTY"
	ReasonNotActive           Reason = "NOT_ACTIVE"
	ReasonInsufficientBalance Reason = "INSUFFICIENT_BALANCE"
	ReasonNotOwner            Reason = "NOT_OWNER"
	ReasonNotTransferable     Reason = "NOT_TRANSFERABLE"
	ReasonSameOwner           Reason = "SAME_OWNER"
	ReasonOrderMismatch       Reason = "ORDER_MISMATCH"

	ReasonUnauthenticated Reason = "UNAUTHENTICATED"
	ReasonTransient       Reason = "TRANSIENT"
	ReasonIntegrity       Reason = "INTEGRITY"
)

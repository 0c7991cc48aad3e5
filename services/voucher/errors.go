package voucher

import "promotions-ledger/pkg/errutil"

var (
	ErrNotFound            = errutil.NotFound("voucher not found", nil)
	ErrInactive            = errutil.Policy(errutil.ReasonInactive, "voucher is not active")
	ErrBelowMinimum        = errutil.Policy(errutil.ReasonBelowMinimum, "order amount is below the voucher minimum purchase")
	ErrScopeMismatch       = errutil.Policy(errutil.ReasonScopeMismatch, "voucher does not apply to this order")
	ErrNotEligible         = errutil.Policy(errutil.ReasonNotEligible, "order is not eligible for this voucher")
	ErrUserLimitExceeded   = errutil.Policy(errutil.ReasonUserLimitExceeded, "voucher usage limit reached for this user")
	ErrGlobalLimitExceeded = errutil.Policy(errutil.ReasonGlobalLimitExceeded, "voucher usage limit reached")
	ErrAlreadyUsedForOrder = errutil.Policy(errutil.ReasonAlreadyUsedForOrder, "voucher already used for this order")
	ErrInvalidAmount       = errutil.ValidationFailed("amount must be positive with at most 2 decimal places", nil, errutil.WithReason(errutil.ReasonInvalidAmount))
)

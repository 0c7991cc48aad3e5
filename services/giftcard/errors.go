package giftcard

import "promotions-ledger/pkg/errutil"

var (
	ErrNotFound            = errutil.NotFound("gift card not found", nil)
	ErrTemplateNotFound    = errutil.NotFound("gift card template not found", nil)
	ErrTemplateInactive    = errutil.Policy(errutil.ReasonNotActive, "gift card template is not available")
	ErrInvalidPin          = errutil.Policy(errutil.ReasonInvalidPin, "invalid gift card PIN")
	ErrPinLocked           = errutil.TooManyRequest("too many invalid PIN attempts, try again later", nil, errutil.WithReason(errutil.ReasonPinLocked))
	ErrExpired             = errutil.Policy(errutil.ReasonExpired, "gift card has expired")
	ErrCancelled           = errutil.Policy(errutil.ReasonCancelled, "gift card has been cancelled")
	ErrAlreadyEmpty        = errutil.Policy(errutil.ReasonAlreadyEmpty, "gift card has no remaining balance")
	ErrNotActive           = errutil.Policy(errutil.ReasonNotActive, "gift card is not active yet")
	ErrInsufficientBalance = errutil.Policy(errutil.ReasonInsufficientBalance, "gift card balance is insufficient")
	ErrScopeMismatch       = errutil.Policy(errutil.ReasonScopeMismatch, "gift card cannot be used for this order type")
	ErrOrderMismatch       = errutil.Policy(errutil.ReasonOrderMismatch, "order reference was already redeemed with a different amount")
	ErrNotOwner            = errutil.Forbidden("gift card belongs to another user", nil, errutil.WithReason(errutil.ReasonNotOwner))
	ErrNotTransferable     = errutil.Policy(errutil.ReasonNotTransferable, "gift card cannot be transferred")
	ErrSameOwner           = errutil.Policy(errutil.ReasonSameOwner, "gift card already belongs to this user")
	ErrInvalidAmount       = errutil.ValidationFailed("amount must be positive with at most 2 decimal places", nil, errutil.WithReason(errutil.ReasonInvalidAmount))
	ErrCodeSpaceExhausted  = errutil.Internal("could not allocate a unique gift card code", nil)
)

// statusError maps a non-spendable status to its rejection.
func statusError(s Status) error {
	switch s {
	case StatusActive:
		return nil
	case StatusExpired:
		return ErrExpired
	case StatusCancelled:
		return ErrCancelled
	case StatusRedeemedEmpty:
		return ErrAlreadyEmpty
	default:
		return ErrNotActive
	}
}

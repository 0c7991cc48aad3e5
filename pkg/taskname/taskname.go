package taskname

const (
	// Gift card tasks
	GiftCardIssued      = "giftcard:issued"
	GiftCardTransferred = "giftcard:transferred"
	GiftCardExpire      = "giftcard:expire"

	// Voucher tasks
	VoucherApplied = "voucher:applied"
)

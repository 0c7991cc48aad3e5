package discount

import (
	"net/http"

	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/middleware"
	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/order"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/discounts")
	g.POST("/preview", h.preview)
	g.POST("/commit", middleware.RequireUser(), h.commit)
}

type previewBody struct {
	Amount         decimal.Decimal     `json:"amount"`
	OrderType      order.Type          `json:"order_type"`
	Category       string              `json:"category"`
	VoucherCode    string              `json:"voucher_code"`
	GiftCardCode   string              `json:"gift_card_code"`
	GiftCardPIN    string              `json:"gift_card_pin"`
	GiftCardAmount decimal.NullDecimal `json:"gift_card_amount"`
}

type commitBody struct {
	previewBody
	OrderReference string `json:"order_reference" binding:"required"`
}

func (b previewBody) request(userID string) Request {
	return Request{
		Amount:         b.Amount,
		OrderType:      b.OrderType,
		Category:       b.Category,
		UserID:         userID,
		VoucherCode:    b.VoucherCode,
		GiftCardCode:   b.GiftCardCode,
		GiftCardPIN:    b.GiftCardPIN,
		GiftCardAmount: b.GiftCardAmount,
	}
}

type VoucherView struct {
	Code     string         `json:"code"`
	Kind     string         `json:"kind,omitempty"`
	Value    string         `json:"value,omitempty"`
	Discount string         `json:"discount"`
	Valid    bool           `json:"valid"`
	Reason   errutil.Reason `json:"reason,omitempty"`
	Message  string         `json:"message,omitempty"`
}

type GiftCardView struct {
	Code    string         `json:"code"`
	Balance string         `json:"balance"`
	Applied string         `json:"applied"`
	Valid   bool           `json:"valid"`
	Reason  errutil.Reason `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
}

type BreakdownView struct {
	OriginalAmount  string        `json:"original_amount"`
	VoucherDiscount string        `json:"voucher_discount"`
	Intermediate    string        `json:"intermediate_amount"`
	GiftCardAmount  string        `json:"gift_card_amount"`
	FinalAmount     string        `json:"final_amount"`
	Voucher         *VoucherView  `json:"voucher,omitempty"`
	GiftCard        *GiftCardView `json:"gift_card,omitempty"`
}

func NewBreakdownView(b *Breakdown) BreakdownView {
	out := BreakdownView{
		OriginalAmount:  money.String(b.OriginalAmount),
		VoucherDiscount: money.String(b.VoucherDiscount),
		Intermediate:    money.String(b.Intermediate),
		GiftCardAmount:  money.String(b.GiftCardAmount),
		FinalAmount:     money.String(b.FinalAmount),
	}
	if v := b.Voucher; v != nil {
		out.Voucher = &VoucherView{
			Code:     v.Code,
			Kind:     string(v.Kind),
			Discount: money.String(v.Discount),
			Valid:    v.Valid,
			Reason:   v.Reason,
			Message:  v.Message,
		}
		if v.Valid && v.Kind != "" {
			out.Voucher.Value = money.String(v.Value)
		}
	}
	if g := b.GiftCard; g != nil {
		out.GiftCard = &GiftCardView{
			Code:    g.Code,
			Balance: money.String(g.Balance),
			Applied: money.String(g.Applied),
			Valid:   g.Valid,
			Reason:  g.Reason,
			Message: g.Message,
		}
	}
	return out
}

func (h *Handler) preview(c *gin.Context) {
	var body previewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	res, err := h.svc.Preview(ctx, body.request(middleware.UserID(ctx)))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, NewBreakdownView(res))
}

func (h *Handler) commit(c *gin.Context) {
	var body commitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	res, err := h.svc.Commit(ctx, CommitRequest{
		Request:        body.request(middleware.UserID(ctx)),
		OrderReference: body.OrderReference,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"breakdown":                NewBreakdownView(&res.Breakdown),
		"voucher_usage_id":         res.VoucherUsageID,
		"gift_card_transaction_id": res.GiftCardTransactionID,
		"replayed":                 res.Replayed,
	})
}

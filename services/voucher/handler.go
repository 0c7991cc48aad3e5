package voucher

import (
	"net/http"
	"time"

	"promotions-ledger/pkg/db/pagination"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/middleware"
	"promotions-ledger/pkg/money"

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
	g := rg.Group("/vouchers")
	g.POST("/validate", h.validate)
	g.POST("/apply", middleware.RequireUser(), h.apply)
	g.GET("/available", middleware.RequireUser(), h.available)
	g.GET("/usages", middleware.RequireUser(), h.usages)
}

type validateBody struct {
	Code      string          `json:"code" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	OrderType OrderType       `json:"order_type"`
	Category  string          `json:"category"`
}

type applyBody struct {
	Code           string          `json:"code" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	OrderReference string          `json:"order_reference" binding:"required"`
	OrderType      OrderType       `json:"order_type" binding:"required"`
	Category       string          `json:"category"`
}

type ValidateResponse struct {
	Valid          bool           `json:"valid"`
	Code           string         `json:"code"`
	DiscountAmount string         `json:"discount_amount"`
	FinalAmount    string         `json:"final_amount,omitempty"`
	Reason         errutil.Reason `json:"reason,omitempty"`
	Message        string         `json:"message,omitempty"`
}

type View struct {
	ID              string   `json:"id"`
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Kind            string   `json:"kind"`
	Value           string   `json:"value"`
	MaxDiscount     string   `json:"max_discount,omitempty"`
	MinimumPurchase string   `json:"minimum_purchase"`
	Scope           string   `json:"scope"`
	Categories      []string `json:"categories,omitempty"`
	ValidFrom       string   `json:"valid_from,omitempty"`
	ValidUntil      string   `json:"valid_until,omitempty"`
}

func NewView(v *Voucher) View {
	out := View{
		ID:              v.ID,
		Code:            v.Code,
		Name:            v.Name,
		Description:     v.Description,
		Kind:            string(v.Kind),
		Value:           money.String(v.Value),
		MinimumPurchase: money.String(v.MinimumPurchase),
		Scope:           string(v.Scope),
		Categories:      v.Categories,
	}
	if v.MaxDiscount.Valid {
		out.MaxDiscount = money.String(v.MaxDiscount.Decimal)
	}
	if v.ValidFrom != nil {
		out.ValidFrom = v.ValidFrom.UTC().Format(time.RFC3339)
	}
	if v.ValidUntil != nil {
		out.ValidUntil = v.ValidUntil.UTC().Format(time.RFC3339)
	}
	return out
}

func (h *Handler) validate(c *gin.Context) {
	var body validateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	quote, err := h.svc.Validate(ctx, ValidateRequest{
		Code:      body.Code,
		Amount:    body.Amount,
		UserID:    middleware.UserID(ctx),
		OrderType: body.OrderType,
		Category:  body.Category,
	})
	if err != nil {
		if !errutil.IsRejection(err) {
			_ = c.Error(err)
			return
		}
		be, _ := errutil.As(err)
		c.JSON(http.StatusOK, ValidateResponse{
			Valid:          false,
			Code:           body.Code,
			DiscountAmount: money.String(money.Zero),
			Reason:         be.Reason,
			Message:        be.Message,
		})
		return
	}

	c.JSON(http.StatusOK, ValidateResponse{
		Valid:          true,
		Code:           quote.Voucher.Code,
		DiscountAmount: money.String(quote.DiscountAmount),
		FinalAmount:    money.String(quote.FinalAmount),
	})
}

func (h *Handler) apply(c *gin.Context) {
	var body applyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	res, err := h.svc.Apply(ctx, ApplyRequest{
		Code:           body.Code,
		Amount:         body.Amount,
		UserID:         middleware.UserID(ctx),
		OrderType:      body.OrderType,
		OrderReference: body.OrderReference,
		Category:       body.Category,
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
		"usage_id":        res.UsageID,
		"voucher_code":    res.VoucherCode,
		"original_amount": money.String(res.OriginalAmount),
		"discount_amount": money.String(res.DiscountAmount),
		"final_amount":    money.String(res.FinalAmount),
		"replayed":        res.Replayed,
	})
}

func (h *Handler) available(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	ctx := c.Request.Context()
	vouchers, info, err := h.svc.ListAvailable(ctx, middleware.UserID(ctx), page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]View, 0, len(vouchers))
	for _, v := range vouchers {
		out = append(out, NewView(v))
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "page_info": info})
}

func (h *Handler) usages(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	ctx := c.Request.Context()
	usages, info, err := h.svc.ListUsages(ctx, middleware.UserID(ctx), page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]gin.H, 0, len(usages))
	for _, u := range usages {
		out = append(out, gin.H{
			"id":              u.ID,
			"voucher_id":      u.VoucherID,
			"order_reference": u.OrderReference,
			"order_type":      u.OrderType,
			"original_amount": money.String(u.OriginalAmount),
			"discount_amount": money.String(u.DiscountAmount),
			"final_amount":    money.String(u.FinalAmount),
			"used_at":         u.UsedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "page_info": info})
}

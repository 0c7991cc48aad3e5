package giftcard

import (
	"net/http"
	"strings"
	"time"

	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/db/pagination"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/middleware"
	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/order"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc          *Service
	serviceToken string
}

func NewHandler(svc *Service, cfg *config.Config) *Handler {
	h := &Handler{svc: svc}
	if cfg != nil {
		h.serviceToken = cfg.Internal.ServiceToken
	}
	return h
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/gift-card-templates", h.templates)

	g := rg.Group("/gift-cards")
	g.POST("", middleware.RequireUser(), h.issue)
	g.GET("", middleware.RequireUser(), h.owned)
	g.POST("/validate", h.validate)
	g.POST("/check-balance", h.checkBalance)
	g.POST("/redeem", middleware.RequireUser(), h.redeem)
	g.POST("/transfer", middleware.RequireUser(), h.transfer)
	g.GET("/:ref/transactions", middleware.RequireUser(), h.transactions)
	g.GET("/:ref/verify", middleware.RequireUser(), h.verify)

	// Only the payment service activates cards, once the purchase is paid.
	internal := rg.Group("/internal/gift-cards", middleware.RequireService(h.serviceToken))
	internal.POST("/:ref/confirm", h.confirm)
}

type issueBody struct {
	TemplateID       string `json:"template_id" binding:"required"`
	RecipientName    string `json:"recipient_name"`
	RecipientEmail   string `json:"recipient_email" binding:"omitempty,email"`
	RecipientPhone   string `json:"recipient_phone"`
	RecipientMessage string `json:"recipient_message"`
}

type credentialsBody struct {
	Code string `json:"code" binding:"required"`
	PIN  string `json:"pin" binding:"required"`
}

type redeemBody struct {
	Code           string          `json:"code" binding:"required"`
	PIN            string          `json:"pin" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	OrderReference string          `json:"order_reference" binding:"required"`
	OrderType      order.Type      `json:"order_type"`
}

type transferBody struct {
	Code     string `json:"code" binding:"required"`
	NewOwner string `json:"new_owner" binding:"required"`
}

type ValidateResponse struct {
	Valid   bool           `json:"valid"`
	Code    string         `json:"code"`
	Balance string         `json:"balance,omitempty"`
	Status  Status         `json:"status,omitempty"`
	Reason  errutil.Reason `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
}

type View struct {
	ID                   string `json:"id"`
	Code                 string `json:"code"`
	Balance              string `json:"balance"`
	OriginalBalance      string `json:"original_balance"`
	Currency             string `json:"currency"`
	Status               Status `json:"status"`
	OwnerID              string `json:"owner_id,omitempty"`
	RecipientName        string `json:"recipient_name,omitempty"`
	IsTransferable       bool   `json:"is_transferable"`
	ApplicableToServices bool   `json:"applicable_to_services"`
	ApplicableToProducts bool   `json:"applicable_to_products"`
	ExpiresAt            string `json:"expires_at"`
}

func NewView(g *GiftCard, now time.Time) View {
	return View{
		ID:                   g.ID,
		Code:                 g.Code,
		Balance:              money.String(g.Balance),
		OriginalBalance:      money.String(g.OriginalBalance),
		Currency:             g.Currency,
		Status:               g.EffectiveStatus(now),
		OwnerID:              g.OwnerID,
		RecipientName:        g.RecipientName,
		IsTransferable:       g.IsTransferable,
		ApplicableToServices: g.ApplicableToServices,
		ApplicableToProducts: g.ApplicableToProducts,
		ExpiresAt:            g.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) templates(c *gin.Context) {
	items, err := h.svc.ListTemplates(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]gin.H, 0, len(items))
	for _, t := range items {
		out = append(out, gin.H{
			"id":                     t.ID,
			"name":                   t.Name,
			"description":            t.Description,
			"amount":                 money.String(t.Amount),
			"currency":               t.Currency,
			"validity_months":        t.ValidityMonths,
			"is_transferable":        Flag(t.IsTransferable),
			"applicable_to_services": Flag(t.ApplicableToServices),
			"applicable_to_products": Flag(t.ApplicableToProducts),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *Handler) issue(c *gin.Context) {
	var body issueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	res, err := h.svc.Issue(ctx, IssueRequest{
		TemplateID:       body.TemplateID,
		PurchasedBy:      middleware.UserID(ctx),
		RecipientName:    body.RecipientName,
		RecipientEmail:   body.RecipientEmail,
		RecipientPhone:   body.RecipientPhone,
		RecipientMessage: body.RecipientMessage,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         res.Card.ID,
		"code":       res.Card.Code,
		"pin":        res.PIN,
		"status":     res.Card.Status,
		"balance":    money.String(res.Card.Balance),
		"currency":   res.Card.Currency,
		"expires_at": res.Card.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) confirm(c *gin.Context) {
	ctx := c.Request.Context()
	card, err := h.svc.Confirm(ctx, c.Param("ref"), middleware.ServiceName(ctx))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, NewView(card, h.svc.now()))
}

func (h *Handler) validate(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	card, err := h.svc.Validate(c.Request.Context(), body.Code, body.PIN)
	if err != nil {
		if !errutil.IsRejection(err) {
			_ = c.Error(err)
			return
		}
		be, _ := errutil.As(err)
		c.JSON(http.StatusOK, ValidateResponse{
			Valid:   false,
			Code:    body.Code,
			Reason:  be.Reason,
			Message: be.Message,
		})
		return
	}

	c.JSON(http.StatusOK, ValidateResponse{
		Valid:   true,
		Code:    card.Code,
		Balance: money.String(card.Balance),
		Status:  card.Status,
	})
}

func (h *Handler) checkBalance(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	balance, err := h.svc.CheckBalance(c.Request.Context(), body.Code, body.PIN)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": money.String(balance)})
}

func (h *Handler) redeem(c *gin.Context) {
	var body redeemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	res, err := h.svc.Redeem(ctx, RedeemRequest{
		Code:           body.Code,
		PIN:            body.PIN,
		Amount:         body.Amount,
		OrderReference: body.OrderReference,
		OrderType:      body.OrderType,
		UserID:         middleware.UserID(ctx),
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
		"transaction_id": res.TransactionID,
		"code":           res.Code,
		"amount":         money.String(res.Amount),
		"balance_before": money.String(res.BalanceBefore),
		"balance_after":  money.String(res.BalanceAfter),
		"status":         res.Status,
		"replayed":       res.Replayed,
	})
}

func (h *Handler) transfer(c *gin.Context) {
	var body transferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	res, err := h.svc.Transfer(ctx, TransferRequest{
		Code:       body.Code,
		NewOwnerID: body.NewOwner,
		UserID:     middleware.UserID(ctx),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "transfer": res})
}

func (h *Handler) owned(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	var statuses []Status
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, Status(strings.TrimSpace(s)))
		}
	}

	ctx := c.Request.Context()
	cards, info, err := h.svc.ListOwned(ctx, middleware.UserID(ctx), statuses, page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	now := h.svc.now()
	out := make([]View, 0, len(cards))
	for _, card := range cards {
		out = append(out, NewView(card, now))
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "page_info": info})
}

func (h *Handler) transactions(c *gin.Context) {
	ctx := c.Request.Context()
	rows, err := h.svc.Transactions(ctx, c.Param("ref"), middleware.UserID(ctx))
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{
			"id":              r.ID,
			"seq":             r.Seq,
			"type":            r.Type,
			"amount":          money.String(r.Amount),
			"balance_after":   money.String(r.BalanceAfter),
			"order_reference": r.OrderReference,
			"created_at":      r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *Handler) verify(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.svc.Verify(ctx, c.Param("ref"), middleware.UserID(ctx))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":             res.Code,
		"valid":            res.Valid,
		"entries":          res.Entries,
		"stored_balance":   money.String(res.StoredBalance),
		"expected_balance": money.String(res.ExpectedBalance),
		"broken_at":        res.BrokenAt,
		"problem":          res.Problem,
	})
}

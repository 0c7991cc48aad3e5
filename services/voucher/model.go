package voucher

import (
	"strings"
	"time"

	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/order"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type DiscountKind string

const (
	Percentage DiscountKind = "percentage"
	Fixed      DiscountKind = "fixed"
)

// Scope restricts the orders a voucher applies to.
type Scope string

const (
	ScopeAll        Scope = "all"
	ScopeServices   Scope = "services"
	ScopeProducts   Scope = "products"
	ScopeCategories Scope = "categories"
)

type OrderType = order.Type

const (
	OrderServiceBooking = order.ServiceBooking
	OrderProduct        = order.ProductOrder
)

type Voucher struct {
	ID              string                      `gorm:"column:id;primaryKey" json:"id"`
	Code            string                      `gorm:"column:code;uniqueIndex;size:50;not null" json:"code"`
	Name            string                      `gorm:"column:name;not null" json:"name"`
	Description     string                      `gorm:"column:description" json:"description,omitempty"`
	Kind            DiscountKind                `gorm:"column:kind;size:20;not null" json:"kind"`
	Value           decimal.Decimal             `gorm:"column:value;type:decimal(12,2);not null" json:"value"`
	MaxDiscount     decimal.NullDecimal         `gorm:"column:max_discount;type:decimal(12,2)" json:"max_discount"`
	MinimumPurchase decimal.Decimal             `gorm:"column:minimum_purchase;type:decimal(12,2);not null" json:"minimum_purchase"`
	Scope           Scope                       `gorm:"column:scope;size:20;not null" json:"scope"`
	Categories      datatypes.JSONSlice[string] `gorm:"column:categories" json:"categories,omitempty"`
	ValidFrom       *time.Time                  `gorm:"column:valid_from" json:"valid_from,omitempty"`
	ValidUntil      *time.Time                  `gorm:"column:valid_until" json:"valid_until,omitempty"`
	MaxUses         *int64                      `gorm:"column:max_uses" json:"max_uses,omitempty"`
	MaxUsesPerUser  *int64                      `gorm:"column:max_uses_per_user" json:"max_uses_per_user,omitempty"`
	IsActive        bool                        `gorm:"column:is_active;not null" json:"is_active"`
	Eligibility     string                      `gorm:"column:eligibility" json:"eligibility,omitempty"`
	CreatedAt       time.Time                   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time                   `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Voucher) TableName() string { return "vouchers" }

// Usage is the immutable record of one successful apply. The number of rows is
// the only source of truth for how often a voucher has been used.
type Usage struct {
	ID             string          `gorm:"column:id;primaryKey" json:"id"`
	VoucherID      string          `gorm:"column:voucher_id;not null;uniqueIndex:idx_voucher_usage_order,priority:1;index:idx_voucher_usage_user,priority:1" json:"voucher_id"`
	UserID         string          `gorm:"column:user_id;not null;index:idx_voucher_usage_user,priority:2" json:"user_id"`
	OrderReference string          `gorm:"column:order_reference;size:100;not null;uniqueIndex:idx_voucher_usage_order,priority:2" json:"order_reference"`
	OrderType      OrderType       `gorm:"column:order_type;size:50" json:"order_type"`
	OriginalAmount decimal.Decimal `gorm:"column:original_amount;type:decimal(12,2);not null" json:"original_amount"`
	DiscountAmount decimal.Decimal `gorm:"column:discount_amount;type:decimal(12,2);not null" json:"discount_amount"`
	FinalAmount    decimal.Decimal `gorm:"column:final_amount;type:decimal(12,2);not null" json:"final_amount"`
	Metadata       datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	UsedAt         time.Time       `gorm:"column:used_at;autoCreateTime;index" json:"used_at"`

	Voucher *Voucher `gorm:"foreignKey:VoucherID;references:ID" json:"voucher,omitempty"`
}

func (Usage) TableName() string { return "voucher_usages" }

// InWindow reports whether now lies in [ValidFrom, ValidUntil]. Missing bounds are open.
func (v *Voucher) InWindow(now time.Time) bool {
	if v.ValidFrom != nil && now.Before(*v.ValidFrom) {
		return false
	}
	if v.ValidUntil != nil && now.After(*v.ValidUntil) {
		return false
	}
	return true
}

// Covers reports whether an order of the given type and category is in scope.
func (v *Voucher) Covers(orderType OrderType, category string) bool {
	switch v.Scope {
	case ScopeAll, "":
		return true
	case ScopeServices:
		return orderType == OrderServiceBooking
	case ScopeProducts:
		return orderType == OrderProduct
	case ScopeCategories:
		for _, c := range v.Categories {
			if category != "" && strings.EqualFold(c, category) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Discount computes the discount for amount. Percentage discounts are capped by
// MaxDiscount and rounded half-up to 2 places; fixed discounts never exceed amount.
func (v *Voucher) Discount(amount decimal.Decimal) decimal.Decimal {
	switch v.Kind {
	case Percentage:
		d := amount.Mul(v.Value).Div(money.Hundred)
		if v.MaxDiscount.Valid {
			d = money.Min(d, v.MaxDiscount.Decimal)
		}
		return money.Round(d)
	case Fixed:
		return money.Round(money.Min(v.Value, amount))
	default:
		return money.Zero
	}
}

package giftcard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/order"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Template struct {
	ID                   string          `gorm:"column:id;primaryKey" json:"id"`
	Name                 string          `gorm:"column:name;not null" json:"name"`
	Description          string          `gorm:"column:description" json:"description,omitempty"`
	Amount               decimal.Decimal `gorm:"column:amount;type:decimal(12,2);not null" json:"amount"`
	Currency             string          `gorm:"column:currency;size:10;not null" json:"currency"`
	ValidityMonths       int             `gorm:"column:validity_months" json:"validity_months"`
	ApplicableToServices *bool           `gorm:"column:applicable_to_services;default:true;not null" json:"applicable_to_services"`
	ApplicableToProducts *bool           `gorm:"column:applicable_to_products;default:true;not null" json:"applicable_to_products"`
	IsTransferable       *bool           `gorm:"column:is_transferable;default:true;not null" json:"is_transferable"`
	IsActive             bool            `gorm:"column:is_active;index" json:"is_active"`
	SortOrder            int             `gorm:"column:sort_order" json:"sort_order"`
	CreatedAt            time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Template) TableName() string { return "gift_card_templates" }

// Flag reads an optional template flag. Unset flags are true.
func Flag(b *bool) bool {
	return b == nil || *b
}

// Bool returns a pointer to v for setting template flags.
func Bool(v bool) *bool { return &v }

// GiftCard is mutated only together with an appended Transaction. Version guards
// every update against lost writes.
type GiftCard struct {
	ID                   string          `gorm:"column:id;primaryKey" json:"id"`
	Code                 string          `gorm:"column:code;uniqueIndex;size:19;not null" json:"code"`
	PinHash              string          `gorm:"column:pin_hash;not null" json:"-"`
	TemplateID           string          `gorm:"column:template_id;index" json:"template_id"`
	Balance              decimal.Decimal `gorm:"column:balance;type:decimal(12,2);not null" json:"balance"`
	OriginalBalance      decimal.Decimal `gorm:"column:original_balance;type:decimal(12,2);not null" json:"original_balance"`
	Currency             string          `gorm:"column:currency;size:10;not null" json:"currency"`
	OwnerID              string          `gorm:"column:owner_id;index" json:"owner_id,omitempty"`
	PurchasedBy          string          `gorm:"column:purchased_by" json:"purchased_by,omitempty"`
	RecipientName        string          `gorm:"column:recipient_name" json:"recipient_name,omitempty"`
	RecipientEmail       string          `gorm:"column:recipient_email" json:"recipient_email,omitempty"`
	RecipientPhone       string          `gorm:"column:recipient_phone" json:"recipient_phone,omitempty"`
	RecipientMessage     string          `gorm:"column:recipient_message" json:"recipient_message,omitempty"`
	Status               Status          `gorm:"column:status;size:20;not null;index" json:"status"`
	ApplicableToServices bool            `gorm:"column:applicable_to_services" json:"applicable_to_services"`
	ApplicableToProducts bool            `gorm:"column:applicable_to_products" json:"applicable_to_products"`
	IsTransferable       bool            `gorm:"column:is_transferable" json:"is_transferable"`
	ExpiresAt            time.Time       `gorm:"column:expires_at;index" json:"expires_at"`
	ActivatedAt          *time.Time      `gorm:"column:activated_at" json:"activated_at,omitempty"`
	Version              int64           `gorm:"column:version;not null" json:"-"`
	CreatedAt            time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (GiftCard) TableName() string { return "gift_cards" }

// EffectiveStatus folds the expiry date into the stored status. Expiry is never
// written by a background job, so a card past its date reads as expired.
func (g *GiftCard) EffectiveStatus(now time.Time) Status {
	if now.After(g.ExpiresAt) && g.Status.CanTransition(StatusExpired) {
		return StatusExpired
	}
	return g.Status
}

// Covers reports whether the card may pay for the order type. An empty type is
// not checked.
func (g *GiftCard) Covers(t order.Type) bool {
	switch t {
	case "":
		return true
	case order.ServiceBooking:
		return g.ApplicableToServices
	case order.ProductOrder:
		return g.ApplicableToProducts
	default:
		return false
	}
}

type TxType string

const (
	TxIssue    TxType = "issue"
	TxRedeem   TxType = "redeem"
	TxTransfer TxType = "transfer"
	TxRefund   TxType = "refund"
)

// Transaction is an append-only ledger row. Seq numbers a card's rows from 1 and
// Hash chains each row to the one before it.
type Transaction struct {
	ID             string          `gorm:"column:id;primaryKey" json:"id"`
	CardID         string          `gorm:"column:card_id;not null;uniqueIndex:idx_gift_card_tx_seq,priority:1;index:idx_gift_card_tx_order,priority:1" json:"card_id"`
	Seq            int64           `gorm:"column:seq;not null;uniqueIndex:idx_gift_card_tx_seq,priority:2" json:"seq"`
	Type           TxType          `gorm:"column:type;size:20;not null" json:"type"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(12,2);not null" json:"amount"`
	BalanceAfter   decimal.Decimal `gorm:"column:balance_after;type:decimal(12,2);not null" json:"balance_after"`
	OrderReference string          `gorm:"column:order_reference;size:100;index:idx_gift_card_tx_order,priority:2" json:"order_reference,omitempty"`
	OrderType      order.Type      `gorm:"column:order_type;size:50" json:"order_type,omitempty"`
	ActorID        string          `gorm:"column:actor_id" json:"actor_id,omitempty"`
	Metadata       datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	PreviousHash   string          `gorm:"column:previous_hash" json:"previous_hash"`
	Hash           string          `gorm:"column:hash;not null" json:"hash"`
	CreatedAt      time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (Transaction) TableName() string { return "gift_card_transactions" }

func (t *Transaction) HashFields() map[string]string {
	return map[string]string{
		"id":              t.ID,
		"card_id":         t.CardID,
		"seq":             fmt.Sprintf("%d", t.Seq),
		"type":            string(t.Type),
		"amount":          money.String(t.Amount),
		"balance_after":   money.String(t.BalanceAfter),
		"order_reference": t.OrderReference,
		"actor_id":        t.ActorID,
		"created_at":      t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":   t.PreviousHash,
	}
}

func (t *Transaction) GenerateHash() string {
	fields := t.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}

// Fold replays rows in order and returns the balance they describe.
func Fold(rows []*Transaction) decimal.Decimal {
	sum := money.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}
	return sum
}

// ExpectedBalance is the balance the ledger allows for card: the original value
// plus every movement after issuance. It holds for pending cards too, which
// have no rows yet.
func ExpectedBalance(card *GiftCard, rows []*Transaction) decimal.Decimal {
	sum := card.OriginalBalance
	for _, r := range rows {
		if r.Type != TxIssue {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

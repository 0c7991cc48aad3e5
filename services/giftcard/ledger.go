package giftcard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/db/option"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/money"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var bySeq = option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "asc", Allow: map[string]bool{"seq": true}})

// rows loads a card's ledger in seq order. A nil tx reads outside a transaction.
func (s *Service) rows(ctx context.Context, tx *gorm.DB, cardID string) ([]*Transaction, error) {
	return s.ledger.WithTrx(tx).Find(ctx, &Transaction{CardID: cardID}, bySeq)
}

// checkFold fails closed when the stored balance disagrees with the ledger.
func (s *Service) checkFold(ctx context.Context, card *GiftCard, rows []*Transaction) error {
	expected := ExpectedBalance(card, rows)
	folded := Fold(rows)
	issued := len(rows) > 0 && rows[0].Type == TxIssue

	if expected.Equal(card.Balance) && (!issued || folded.Equal(card.Balance)) {
		return nil
	}

	logger.FromContext(ctx).Error("gift card balance disagrees with its ledger",
		zap.String("card_id", card.ID),
		zap.String("stored_balance", money.String(card.Balance)),
		zap.String("expected_balance", money.String(expected)),
		zap.String("folded_balance", money.String(folded)),
	)
	return errutil.Integrity("gift card balance does not match its ledger", nil)
}

// append chains entry onto rows and inserts it. Two writers racing for the same
// seq collide on the unique index, which is reported as a conflict.
func (s *Service) append(ctx context.Context, tx *gorm.DB, card *GiftCard, rows []*Transaction, entry *Transaction) error {
	entry.ID = s.node.Generate().String()
	entry.CardID = card.ID
	entry.Seq = int64(len(rows)) + 1
	// millisecond precision survives every supported dialect, so the hash stays verifiable
	entry.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	if n := len(rows); n > 0 {
		entry.PreviousHash = rows[n-1].Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := s.ledger.WithTrx(tx).Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return db.ErrConflict
		}
		return err
	}
	return nil
}

// update writes fields only if the card still has the version that was read.
func (s *Service) update(ctx context.Context, tx *gorm.DB, card *GiftCard, fields map[string]any) error {
	fields["version"] = card.Version + 1
	fields["updated_at"] = s.now().UTC()

	res := tx.WithContext(ctx).Model(&GiftCard{}).
		Where("id = ? AND version = ?", card.ID, card.Version).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return db.ErrConflict
	}
	card.Version++
	return nil
}

func jsonMetadata(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

type VerifyResult struct {
	Code            string          `json:"code"`
	Valid           bool            `json:"valid"`
	Entries         int             `json:"entries"`
	StoredBalance   decimal.Decimal `json:"stored_balance"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	BrokenAt        string          `json:"broken_at,omitempty"`
	Problem         string          `json:"problem,omitempty"`
}

// Verify walks the card's ledger: seq numbering, the hash chain, every
// balance_after snapshot and finally the stored balance. Owner only.
func (s *Service) Verify(ctx context.Context, code, userID string) (*VerifyResult, error) {
	card, err := s.ownedCard(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows(ctx, nil, card.ID)
	if err != nil {
		return nil, errutil.Internal("failed to load gift card ledger", err)
	}

	res := verifyLedger(card, rows)
	if !res.Valid {
		logger.FromContext(ctx).Error("gift card ledger verification failed",
			zap.String("card_id", card.ID),
			zap.String("broken_at", res.BrokenAt),
			zap.String("problem", res.Problem),
		)
	}
	return res, nil
}

func verifyLedger(card *GiftCard, rows []*Transaction) *VerifyResult {
	res := &VerifyResult{
		Code:            card.Code,
		Entries:         len(rows),
		StoredBalance:   card.Balance,
		ExpectedBalance: ExpectedBalance(card, rows),
	}
	broken := func(id, problem string) *VerifyResult {
		res.BrokenAt, res.Problem = id, problem
		return res
	}

	if len(rows) > 0 && rows[0].Type != TxIssue {
		return broken(rows[0].ID, "ledger does not start with an issue row")
	}

	running := money.Zero
	prevHash := ""
	for i, r := range rows {
		if r.Seq != int64(i)+1 {
			return broken(r.ID, "sequence gap")
		}
		if r.PreviousHash != prevHash {
			return broken(r.ID, "previous hash mismatch")
		}
		if r.GenerateHash() != r.Hash {
			return broken(r.ID, "hash mismatch")
		}
		running = running.Add(r.Amount)
		if !running.Equal(r.BalanceAfter) {
			return broken(r.ID, "balance_after mismatch")
		}
		prevHash = r.Hash
	}

	if !res.ExpectedBalance.Equal(card.Balance) || (len(rows) > 0 && !running.Equal(card.Balance)) {
		return broken("", "stored balance mismatch")
	}

	res.Valid = true
	return res
}

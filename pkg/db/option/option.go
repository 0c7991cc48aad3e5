package option

import (
	"fmt"
	"strings"
	"time"

	"promotions-ledger/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption is a gorm scope applied by the repository before executing a query.
type QueryOption func(*gorm.DB) *gorm.DB

// LockingUpdate adds SELECT ... FOR UPDATE. Dialects without row locks (sqlite)
// ignore the clause and rely on the database-level write lock instead.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders by SortBy when it is allowed, otherwise by created_at.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := "created_at"
		if s.SortBy != "" && s.Allow[s.SortBy] {
			column = s.SortBy
		}

		desc := strings.EqualFold(s.OrderBy, "desc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			column := clause.Column{Name: c.Field}
			switch c.Operator {
			case IN:
				db = db.Where(clause.IN{Column: column, Values: toValues(c.Value)})
			case GT:
				db = db.Where(clause.Gt{Column: column, Value: c.Value})
			case GTE:
				db = db.Where(clause.Gte{Column: column, Value: c.Value})
			case LT:
				db = db.Where(clause.Lt{Column: column, Value: c.Value})
			case LTE:
				db = db.Where(clause.Lte{Column: column, Value: c.Value})
			case NEQ:
				db = db.Where(clause.Neq{Column: column, Value: c.Value})
			case EQ:
				db = db.Where(clause.Eq{Column: column, Value: c.Value})
			default:
				_ = db.AddError(fmt.Errorf("option: unsupported operator %q", c.Operator))
			}
		}
		return db
	}
}

func toValues(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// WithinWindow keeps rows whose [from, until] range contains at. NULL bounds are open.
func WithinWindow(from, until string, at time.Time) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		fromCol := clause.Column{Name: from}
		untilCol := clause.Column{Name: until}
		return db.
			Where(clause.Or(clause.Eq{Column: fromCol, Value: nil}, clause.Lte{Column: fromCol, Value: at})).
			Where(clause.Or(clause.Eq{Column: untilCol, Value: nil}, clause.Gte{Column: untilCol, Value: at}))
	}
}

// ApplyPagination fetches one row past the limit so callers can compute has_more.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		limit := pagination.Limit(p.Limit)

		if p.Cursor != "" {
			cursor, err := pagination.DecodeCursor(p.Cursor)
			if err != nil {
				_ = db.AddError(err)
				return db
			}
			if cursor.ID != "" {
				db = db.Where(clause.Lt{Column: clause.Column{Name: "id"}, Value: cursor.ID})
			}
		}

		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).Limit(limit + 1)
	}
}

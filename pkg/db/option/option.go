package option

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/storesuite/billing/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type operatorOption struct {
	cond Condition
}

func (o operatorOption) Apply(db *gorm.DB) *gorm.DB {
	return db.Where(fmt.Sprintf("%s %s ?", o.cond.Field, o.cond.Operator), o.cond.Value)
}

func ApplyOperator(cond Condition) QueryOption {
	return operatorOption{cond: cond}
}

type limitOption struct {
	limit int
}

func (o limitOption) Apply(db *gorm.DB) *gorm.DB {
	if o.limit <= 0 {
		return db
	}
	return db.Limit(o.limit)
}

func WithLimit(limit int) QueryOption {
	return limitOption{limit: limit}
}

type sortOption struct {
	clause string
}

func (o sortOption) Apply(db *gorm.DB) *gorm.DB {
	if o.clause == "" {
		return db
	}
	return db.Order(o.clause)
}

// WithSortBy orders results by an allow-listed column.
func WithSortBy(field, direction string, allowed map[string]bool) QueryOption {
	field = strings.TrimSpace(field)
	if field == "" || (allowed != nil && !allowed[field]) {
		return sortOption{}
	}
	direction = strings.ToLower(strings.TrimSpace(direction))
	if direction != "desc" {
		direction = "asc"
	}
	return sortOption{clause: field + " " + direction}
}

type paginationOption struct {
	page pagination.Pagination
}

func (o paginationOption) Apply(db *gorm.DB) *gorm.DB {
	size := o.page.PageSize
	if size <= 0 {
		size = 10
	}

	if token := strings.TrimSpace(o.page.PageToken); token != "" {
		if cursor, err := pagination.DecodeCursor(token); err == nil && cursor.CreatedAt != "" {
			if ts, tsErr := time.Parse(time.RFC3339Nano, cursor.CreatedAt); tsErr == nil {
				// The id tiebreaker keeps rows sharing a timestamp from being
				// skipped at a page boundary.
				if id, idErr := strconv.ParseInt(cursor.ID, 10, 64); idErr == nil {
					db = db.Where(
						"created_at < ? OR (created_at = ? AND id < ?)",
						ts, ts, id,
					)
				} else {
					db = db.Where("created_at < ?", ts)
				}
			}
		}
	}

	// One extra row signals has_more to the cursor builder.
	return db.Limit(size + 1)
}

func ApplyPagination(page pagination.Pagination) QueryOption {
	return paginationOption{page: page}
}

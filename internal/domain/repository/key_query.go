package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/turtacn/cryptod/pkg/errors"
)

// Recognised filter keys for signing key lookups.
const (
	FilterCategory       = "category"
	FilterSchemeCodeName = "schemeCodeName"
	FilterAlias          = "alias"
	FilterMasterKeyAlias = "masterKeyAlias"
	FilterExternalID     = "externalId"
	FilterCreatedAfter   = "createdAfter"
	FilterCreatedBefore  = "createdBefore"
)

// Field is a signing key attribute a predicate or ordering can refer to.
type Field string

const (
	FieldID             Field = "id"
	FieldKeyID          Field = "key_id"
	FieldFullKeyID      Field = "full_key_id"
	FieldTimestamp      Field = "timestamp"
	FieldCategory       Field = "category"
	FieldSchemeCodeName Field = "scheme_code_name"
	FieldAlias          Field = "alias"
	FieldMasterKeyAlias Field = "master_key_alias"
	FieldExternalID     Field = "external_id"
)

// Op is a predicate operator.
type Op int

const (
	OpEq Op = iota
	OpIn
	OpAfter
	OpBefore
)

// Predicate is one typed condition. All predicates of a query are ANDed.
type Predicate struct {
	Field Field
	Op    Op
	Value interface{}
}

// OrderBy selects the ordering of a lookup.
type OrderBy string

const (
	OrderByNone               OrderBy = "NONE"
	OrderByID                 OrderBy = "ID"
	OrderByIDDesc             OrderBy = "ID_DESC"
	OrderByTimestamp          OrderBy = "TIMESTAMP"
	OrderByTimestampDesc      OrderBy = "TIMESTAMP_DESC"
	OrderByCategory           OrderBy = "CATEGORY"
	OrderByCategoryDesc       OrderBy = "CATEGORY_DESC"
	OrderBySchemeCodeName     OrderBy = "SCHEME_CODE_NAME"
	OrderBySchemeCodeNameDesc OrderBy = "SCHEME_CODE_NAME_DESC"
	OrderByAlias              OrderBy = "ALIAS"
	OrderByAliasDesc          OrderBy = "ALIAS_DESC"
	OrderByMasterKeyAlias     OrderBy = "MASTER_KEY_ALIAS"
	OrderByMasterKeyAliasDesc OrderBy = "MASTER_KEY_ALIAS_DESC"
	OrderByExternalID         OrderBy = "EXTERNAL_ID"
	OrderByExternalIDDesc     OrderBy = "EXTERNAL_ID_DESC"
)

var orderFields = map[OrderBy]Field{
	OrderByID:             FieldKeyID,
	OrderByTimestamp:      FieldTimestamp,
	OrderByCategory:       FieldCategory,
	OrderBySchemeCodeName: FieldSchemeCodeName,
	OrderByAlias:          FieldAlias,
	OrderByMasterKeyAlias: FieldMasterKeyAlias,
	OrderByExternalID:     FieldExternalID,
}

// Clause returns the field and direction of o. ok is false for NONE.
func (o OrderBy) Clause() (field Field, desc bool, ok bool) {
	base := o
	if strings.HasSuffix(string(o), "_DESC") {
		base = OrderBy(strings.TrimSuffix(string(o), "_DESC"))
		desc = true
	}
	field, ok = orderFields[base]
	return field, desc, ok
}

// ParseOrderBy validates an ordering name. The empty string means NONE.
func ParseOrderBy(s string) (OrderBy, error) {
	if s == "" || OrderBy(s) == OrderByNone {
		return OrderByNone, nil
	}
	o := OrderBy(strings.ToUpper(s))
	if _, _, ok := o.Clause(); !ok {
		return "", errors.ErrInvalidArgument(fmt.Sprintf("unknown orderBy %q", s))
	}
	return o, nil
}

// KeyQuery accumulates predicates, one ordering and paging for a signing key lookup.
type KeyQuery struct {
	Predicates []Predicate
	Order      OrderBy
	Skip       int
	Take       int
}

// NewKeyQuery returns an unfiltered, unordered query.
func NewKeyQuery() *KeyQuery {
	return &KeyQuery{Order: OrderByNone}
}

// Where adds a predicate.
func (q *KeyQuery) Where(field Field, op Op, value interface{}) *KeyQuery {
	q.Predicates = append(q.Predicates, Predicate{Field: field, Op: op, Value: value})
	return q
}

// OrderBy sets the ordering.
func (q *KeyQuery) OrderBy(o OrderBy) *KeyQuery {
	q.Order = o
	return q
}

// Page sets offset paging. take <= 0 means no limit.
func (q *KeyQuery) Page(skip, take int) *KeyQuery {
	q.Skip = skip
	q.Take = take
	return q
}

// WithFilter translates the wire filter map into predicates. Unknown keys and
// unparsable timestamps are validation errors.
func (q *KeyQuery) WithFilter(filter map[string]string) (*KeyQuery, error) {
	for key, value := range filter {
		switch key {
		case FilterCategory:
			q.Where(FieldCategory, OpEq, value)
		case FilterSchemeCodeName:
			q.Where(FieldSchemeCodeName, OpEq, value)
		case FilterAlias:
			q.Where(FieldAlias, OpEq, value)
		case FilterMasterKeyAlias:
			q.Where(FieldMasterKeyAlias, OpEq, value)
		case FilterExternalID:
			q.Where(FieldExternalID, OpEq, value)
		case FilterCreatedAfter, FilterCreatedBefore:
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, errors.ErrInvalidArgument(fmt.Sprintf("filter %s: %q is not an RFC3339 timestamp", key, value))
			}
			op := OpAfter
			if key == FilterCreatedBefore {
				op = OpBefore
			}
			q.Where(FieldTimestamp, op, ts.UTC())
		default:
			return nil, errors.ErrInvalidArgument(fmt.Sprintf("unknown filter key %q", key))
		}
	}
	return q, nil
}

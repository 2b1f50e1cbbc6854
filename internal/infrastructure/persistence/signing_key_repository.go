package persistence

import (
	"context"
	stderrors "errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/repository"
	"github.com/turtacn/cryptod/pkg/errors"
)

// SigningKeyRepository is the gorm implementation of repository.SigningKeyRepository
// over one tenant database.
type SigningKeyRepository struct {
	conn *DBConnection
}

// NewSigningKeyRepository creates a repository over conn.
func NewSigningKeyRepository(conn *DBConnection) *SigningKeyRepository {
	return &SigningKeyRepository{conn: conn}
}

// Save inserts key. A second key with the same alias for the tenant is rejected.
func (r *SigningKeyRepository) Save(ctx context.Context, key *models.SigningKey) error {
	err := r.conn.DB(ctx).Omit(clause.Associations).Create(key).Error
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		if key.Alias != nil {
			existing, findErr := r.FindByAlias(ctx, key.TenantID, *key.Alias)
			if findErr == nil && existing != nil {
				return errors.ErrDuplicateAlias(key.TenantID, *key.Alias).WithCause(err)
			}
		}
		return errors.ErrInvalidArgument(fmt.Sprintf("signing key %s already exists for tenant %s", key.FullKeyID, key.TenantID)).WithCause(err)
	}
	return ClassifyDBError(err, "failed to save signing key")
}

func (r *SigningKeyRepository) FindByAlias(ctx context.Context, tenantID, alias string) (*models.SigningKey, error) {
	return r.first(ctx, "failed to find signing key by alias", "tenant_id = ? AND alias = ?", tenantID, alias)
}

func (r *SigningKeyRepository) FindByFullKeyID(ctx context.Context, tenantID, fullKeyID string) (*models.SigningKey, error) {
	return r.first(ctx, "failed to find signing key by full id", "tenant_id = ? AND full_key_id = ?", tenantID, fullKeyID)
}

// FindByKeyIDs returns the keys whose short id is in keyIDs. Several keys may share a short id.
func (r *SigningKeyRepository) FindByKeyIDs(ctx context.Context, tenantID string, keyIDs []string) ([]*models.SigningKey, error) {
	return r.findIn(ctx, tenantID, repository.FieldKeyID, keyIDs)
}

func (r *SigningKeyRepository) FindByFullKeyIDs(ctx context.Context, tenantID string, fullKeyIDs []string) ([]*models.SigningKey, error) {
	return r.findIn(ctx, tenantID, repository.FieldFullKeyID, fullKeyIDs)
}

// Query runs a KeyQuery. Predicates are ANDed and always scoped to tenantID.
func (r *SigningKeyRepository) Query(ctx context.Context, tenantID string, query *repository.KeyQuery) ([]*models.SigningKey, error) {
	if query == nil {
		query = repository.NewKeyQuery()
	}
	db, err := compileKeyQuery(r.conn.DB(ctx).Model(&models.SigningKey{}).Where("tenant_id = ?", tenantID), query)
	if err != nil {
		return nil, err
	}
	var keys []*models.SigningKey
	if err := db.Find(&keys).Error; err != nil {
		return nil, ClassifyDBError(err, "failed to query signing keys")
	}
	return keys, nil
}

func (r *SigningKeyRepository) first(ctx context.Context, message string, where string, args ...interface{}) (*models.SigningKey, error) {
	var key models.SigningKey
	err := r.conn.DB(ctx).Where(where, args...).Take(&key).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ClassifyDBError(err, message)
	}
	return &key, nil
}

func (r *SigningKeyRepository) findIn(ctx context.Context, tenantID string, field repository.Field, ids []string) ([]*models.SigningKey, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var keys []*models.SigningKey
	err := r.conn.DB(ctx).
		Where("tenant_id = ?", tenantID).
		Where(clause.IN{Column: clause.Column{Name: string(field)}, Values: toValues(ids)}).
		Find(&keys).Error
	if err != nil {
		return nil, ClassifyDBError(err, "failed to look up signing keys by "+string(field))
	}
	return keys, nil
}

// compileKeyQuery turns typed predicates into gorm clauses. Column names come from the
// repository.Field vocabulary only.
func compileKeyQuery(db *gorm.DB, q *repository.KeyQuery) (*gorm.DB, error) {
	for _, p := range q.Predicates {
		col := clause.Column{Name: string(p.Field)}
		switch p.Op {
		case repository.OpEq:
			db = db.Where(clause.Eq{Column: col, Value: p.Value})
		case repository.OpIn:
			values, ok := p.Value.([]string)
			if !ok {
				return nil, errors.ErrInvalidArgument(fmt.Sprintf("IN predicate on %s needs a string list", p.Field))
			}
			db = db.Where(clause.IN{Column: col, Values: toValues(values)})
		case repository.OpAfter:
			db = db.Where(clause.Gt{Column: col, Value: p.Value})
		case repository.OpBefore:
			db = db.Where(clause.Lt{Column: col, Value: p.Value})
		default:
			return nil, errors.ErrInvalidArgument(fmt.Sprintf("unsupported predicate operator %d", p.Op))
		}
	}

	if field, desc, ok := q.Order.Clause(); ok {
		db = db.Order(clause.OrderByColumn{Column: clause.Column{Name: string(field)}, Desc: desc})
	}
	if q.Skip > 0 {
		db = db.Offset(q.Skip)
	}
	if q.Take > 0 {
		db = db.Limit(q.Take)
	}
	return db, nil
}

func toValues(ids []string) []interface{} {
	values := make([]interface{}, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return values
}

var _ repository.SigningKeyRepository = (*SigningKeyRepository)(nil)

// Package store is the durable keyed storage for relationship records. All
// mutations go through RunTransaction; reads outside a transaction are
// point-in-time snapshots.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/relerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InitiatorFilter narrows participant queries by who initiated the record.
type InitiatorFilter int

const (
	InitiatorAny InitiatorFilter = iota
	InitiatorSelf
	InitiatorOther
)

// Query describes one of the canonical per-user relationship views.
type Query struct {
	UserID    string
	Status    string
	Initiator InitiatorFilter
	// BlockerOnly restricts results to records where UserID imposed the
	// block. The blocked party never sees the record in its lists.
	BlockerOnly bool
}

// Store provides transactional access to relationship records.
type Store struct {
	db *gorm.DB
}

// New creates a Store on the given database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the record for the unordered pair (userA, userB).
func (s *Store) Get(ctx context.Context, userA, userB string) (*model.Relationship, error) {
	return getPair(s.db.WithContext(ctx), userA, userB, false)
}

// GetByID returns the record with the given ID.
func (s *Store) GetByID(ctx context.Context, id string) (*model.Relationship, error) {
	return getByID(s.db.WithContext(ctx), id, false)
}

// ByParticipant returns every record matching the query, most recently
// updated first.
func (s *Store) ByParticipant(ctx context.Context, q Query) ([]model.Relationship, error) {
	var recs []model.Relationship
	err := applyQuery(s.db.WithContext(ctx), q).
		Order("updated_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, translate("store.ByParticipant", err)
	}
	return recs, nil
}

// PageByParticipant returns one page of records plus the total match count.
func (s *Store) PageByParticipant(ctx context.Context, q Query, offset, limit int) ([]model.Relationship, int64, error) {
	tx := s.db.WithContext(ctx)

	var total int64
	if err := applyQuery(tx, q).Model(&model.Relationship{}).Count(&total).Error; err != nil {
		return nil, 0, translate("store.PageByParticipant", err)
	}

	var recs []model.Relationship
	err := applyQuery(tx, q).
		Order("updated_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, 0, translate("store.PageByParticipant", err)
	}
	return recs, total, nil
}

// Delete removes the record for the unordered pair.
func (s *Store) Delete(ctx context.Context, userA, userB string) error {
	low, high := model.SortPair(userA, userB)
	res := s.db.WithContext(ctx).
		Where("user_low = ? AND user_high = ?", low, high).
		Delete(&model.Relationship{})
	if res.Error != nil {
		return translate("store.Delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return relerr.E(relerr.KindNotFound, "store.Delete", "no relationship for pair")
	}
	return nil
}

// DeleteStaleDeclined removes declined records not updated since cutoff.
// Used by the maintenance pruning task.
func (s *Store) DeleteStaleDeclined(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusDeclined, cutoff).
		Delete(&model.Relationship{})
	if res.Error != nil {
		return 0, translate("store.DeleteStaleDeclined", res.Error)
	}
	return res.RowsAffected, nil
}

// Tx is the handle passed to a RunTransaction callback. Reads through it
// take row locks where the backend supports them, so preconditions checked
// against a Tx read hold until commit.
type Tx struct {
	db *gorm.DB
}

// RunTransaction executes fn atomically. Either every write inside fn
// commits or none do. Conflicting concurrent transactions surface as
// relerr.KindConflict, which callers may retry.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Tx{db: gtx})
	})
	if err != nil {
		return translate("store.RunTransaction", err)
	}
	return nil
}

// Get re-reads the pair's record inside the transaction.
func (t *Tx) Get(userA, userB string) (*model.Relationship, error) {
	return getPair(t.db, userA, userB, true)
}

// GetByID re-reads a record by ID inside the transaction.
func (t *Tx) GetByID(id string) (*model.Relationship, error) {
	return getByID(t.db, id, true)
}

// Create inserts a new record. A concurrent insert for the same pair loses
// on the unique pair index and comes back as a conflict.
func (t *Tx) Create(rec *model.Relationship) error {
	if err := t.db.Create(rec).Error; err != nil {
		return translate("store.Tx.Create", err)
	}
	return nil
}

// Save writes back a record previously read through this Tx.
func (t *Tx) Save(rec *model.Relationship) error {
	if err := t.db.Save(rec).Error; err != nil {
		return translate("store.Tx.Save", err)
	}
	return nil
}

// Delete removes a record by ID inside the transaction.
func (t *Tx) Delete(rec *model.Relationship) error {
	res := t.db.Where("id = ?", rec.ID).Delete(&model.Relationship{})
	if res.Error != nil {
		return translate("store.Tx.Delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return relerr.E(relerr.KindConflict, "store.Tx.Delete", "record vanished mid-transaction")
	}
	return nil
}

// ---- helpers ----

func applyQuery(tx *gorm.DB, q Query) *gorm.DB {
	out := tx.Model(&model.Relationship{}).
		Where("(user_low = ? OR user_high = ?)", q.UserID, q.UserID).
		Where("status = ?", q.Status)
	switch q.Initiator {
	case InitiatorSelf:
		out = out.Where("initiator_id = ?", q.UserID)
	case InitiatorOther:
		out = out.Where("initiator_id <> ?", q.UserID)
	}
	if q.BlockerOnly {
		out = out.Where("blocker_id = ?", q.UserID)
	}
	return out
}

func getPair(tx *gorm.DB, userA, userB string, locked bool) (*model.Relationship, error) {
	low, high := model.SortPair(userA, userB)
	var rec model.Relationship
	err := withLock(tx, locked).
		Where("user_low = ? AND user_high = ?", low, high).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, relerr.E(relerr.KindNotFound, "store.Get", "no relationship for pair")
	}
	if err != nil {
		return nil, translate("store.Get", err)
	}
	return &rec, nil
}

func getByID(tx *gorm.DB, id string, locked bool) (*model.Relationship, error) {
	var rec model.Relationship
	err := withLock(tx, locked).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, relerr.E(relerr.KindNotFound, "store.GetByID", "no such relationship")
	}
	if err != nil {
		return nil, translate("store.GetByID", err)
	}
	return &rec, nil
}

// withLock adds SELECT ... FOR UPDATE on backends that support it. SQLite
// rejects the clause and serializes writers on its own.
func withLock(tx *gorm.DB, locked bool) *gorm.DB {
	if locked && tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// translate maps driver-level failures onto the error taxonomy. Taxonomy
// errors pass through untouched so precondition failures raised inside a
// transaction callback keep their kind.
func translate(op string, err error) error {
	var relE *relerr.Error
	if errors.As(err, &relE) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || isConflictText(err) {
		return relerr.Wrap(relerr.KindConflict, op, "transaction conflict", err)
	}
	return relerr.Wrap(relerr.KindTransientStore, op, "storage failure", err)
}

func isConflictText(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry")
}

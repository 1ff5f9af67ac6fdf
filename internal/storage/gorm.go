package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore is a Store over a relational database. Mutations run inside a
// transaction and the corresponding event is emitted only after the
// transaction commits, so subscribers never observe uncommitted state.
type GormStore struct {
	db     *gorm.DB
	entity string
	table  string

	sinkMu sync.RWMutex
	sinks  []func(Event)
}

// NewGormStore creates a store for the named entity backed by the given
// table. The table must have a textual "id" primary key column.
func NewGormStore(db *gorm.DB, entity, table string) *GormStore {
	return &GormStore{db: db, entity: entity, table: table}
}

func (s *GormStore) Entity() string { return s.entity }

func (s *GormStore) Notify(sink func(Event)) {
	s.sinkMu.Lock()
	s.sinks = append(s.sinks, sink)
	s.sinkMu.Unlock()
}

func (s *GormStore) emit(evt Event) {
	s.sinkMu.RLock()
	sinks := make([]func(Event), len(s.sinks))
	copy(sinks, s.sinks)
	s.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink(evt)
	}
}

func (s *GormStore) Get(ctx context.Context, pk string) (map[string]any, error) {
	var rec map[string]any
	err := s.db.WithContext(ctx).Table(s.table).Where("id = ?", pk).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", s.entity, pk, err)
	}
	return rec, nil
}

func (s *GormStore) List(ctx context.Context, filter map[string]any) ([]map[string]any, error) {
	var recs []map[string]any
	q := s.db.WithContext(ctx).Table(s.table)
	if len(filter) > 0 {
		q = q.Where(filter)
	}
	if err := q.Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", s.entity, err)
	}
	return recs, nil
}

func (s *GormStore) Create(ctx context.Context, data map[string]any) (map[string]any, error) {
	rec := cloneRecord(data)
	pk, _ := rec["id"].(string)
	if pk == "" {
		pk = uuid.NewString()
		rec["id"] = pk
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Table(s.table).Create(rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", s.entity, err)
	}

	s.emit(Event{Entity: s.entity, Kind: KindCreate, PK: pk, Record: cloneRecord(rec)})
	return rec, nil
}

func (s *GormStore) Update(ctx context.Context, pk string, data map[string]any, partial bool) (map[string]any, error) {
	changes := cloneRecord(data)
	delete(changes, "id")
	// The table schema is not known here, so a full update applies the
	// supplied keys the same way a partial one does.
	_ = partial

	var rec map[string]any
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Table(s.table).Where("id = ?", pk).Updates(changes)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Table(s.table).Where("id = ?", pk).Take(&rec).Error
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", s.entity, pk, err)
	}

	s.emit(Event{Entity: s.entity, Kind: KindUpdate, PK: pk, Record: cloneRecord(rec)})
	return rec, nil
}

func (s *GormStore) Delete(ctx context.Context, pk string) error {
	var rec map[string]any
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(s.table).Where("id = ?", pk).Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		return tx.Table(s.table).Where("id = ?", pk).Delete(&map[string]any{}).Error
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", s.entity, pk, err)
	}

	s.emit(Event{Entity: s.entity, Kind: KindDelete, PK: pk, Record: rec})
	return nil
}

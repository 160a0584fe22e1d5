package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mwd-monitor-backend/internal/model"
)

// Store is the retention store contract. Reads never return errors: any
// backend failure degrades to an empty result.
type Store interface {
	AppendSnapshot(ctx context.Context, ts time.Time, payload any) error
	LatestSnapshot(ctx context.Context) (map[string]any, bool)
	SnapshotsSince(ctx context.Context, cutoff time.Time) []SnapshotRecord
	AppendDirectional(ctx context.Context, ts time.Time, name string, value float64) error
	ReadDirectional(ctx context.Context, limit int) []DirectionalRecord
	SubscriptionStore
}

// ErrorObserver is notified of every failed store operation.
type ErrorObserver func(op string)

// gormStore implements the Store interface using GORM. The dialector chosen
// in db.Init decides whether it runs on SQLite or PostgreSQL.
type gormStore struct {
	db      *gorm.DB
	opts    Options
	onError ErrorObserver
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, opts Options) Store {
	return newGormStore(db, opts, nil)
}

// NewObservedGormStore is NewGormStore with a failure callback, used for metrics.
func NewObservedGormStore(db *gorm.DB, opts Options, onError ErrorObserver) Store {
	return newGormStore(db, opts, onError)
}

func newGormStore(db *gorm.DB, opts Options, onError ErrorObserver) *gormStore {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxLookback <= 0 {
		opts.MaxLookback = DefaultMaxLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &gormStore{db: db, opts: opts, onError: onError}
}

func (s *gormStore) failed(op string, err error) {
	log.Printf("store: %s failed: %v", op, err)
	if s.onError != nil {
		s.onError(op)
	}
}

// AppendSnapshot inserts one snapshot and prunes everything older than the
// retention horizon in the same transaction.
func (s *gormStore) AppendSnapshot(ctx context.Context, ts time.Time, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot payload: %w", err)
	}

	cutoff := EpochSeconds(s.opts.Now().Add(-s.opts.Retention))
	row := model.Snapshot{TS: EpochSeconds(ts), Payload: datatypes.JSON(encoded)}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		if err := tx.Where("ts < ?", cutoff).Delete(&model.Snapshot{}).Error; err != nil {
			return fmt.Errorf("failed to prune snapshots: %w", err)
		}
		return nil
	})
	if err != nil {
		s.failed("append_snapshot", err)
	}
	return err
}

// LatestSnapshot returns the newest payload, if any.
func (s *gormStore) LatestSnapshot(ctx context.Context) (map[string]any, bool) {
	var rows []model.Snapshot
	if err := s.db.WithContext(ctx).Order("ts DESC").Limit(1).Find(&rows).Error; err != nil {
		s.failed("latest_snapshot", err)
		return nil, false
	}
	if len(rows) == 0 {
		return nil, false
	}
	payload, err := decodePayload(rows[0].Payload)
	if err != nil {
		s.failed("latest_snapshot", err)
		return nil, false
	}
	return payload, true
}

// SnapshotsSince returns snapshots at or after cutoff in ascending ts order.
// A cutoff further back than MaxLookback is clamped.
func (s *gormStore) SnapshotsSince(ctx context.Context, cutoff time.Time) []SnapshotRecord {
	floor := s.opts.Now().Add(-s.opts.MaxLookback)
	if cutoff.Before(floor) {
		cutoff = floor
	}

	var rows []model.Snapshot
	if err := s.db.WithContext(ctx).
		Where("ts >= ?", EpochSeconds(cutoff)).
		Order("ts ASC").
		Find(&rows).Error; err != nil {
		s.failed("snapshots_since", err)
		return []SnapshotRecord{}
	}

	out := make([]SnapshotRecord, 0, len(rows))
	for _, r := range rows {
		payload, err := decodePayload(r.Payload)
		if err != nil {
			// Skip the corrupt row, keep the rest.
			continue
		}
		out = append(out, SnapshotRecord{TS: r.TS, Payload: payload})
	}
	return out
}

// AppendDirectional records one directional log sample.
func (s *gormStore) AppendDirectional(ctx context.Context, ts time.Time, name string, value float64) error {
	row := model.DirectionalEntry{TS: EpochSeconds(ts), Name: name, Value: value}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		err = fmt.Errorf("failed to insert directional entry: %w", err)
		s.failed("append_directional", err)
		return err
	}
	return nil
}

// ReadDirectional returns the newest limit entries in ascending ts order.
func (s *gormStore) ReadDirectional(ctx context.Context, limit int) []DirectionalRecord {
	limit = ClampDirectionalLimit(limit)

	var rows []model.DirectionalEntry
	if err := s.db.WithContext(ctx).
		Order("ts DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		s.failed("read_directional", err)
		return []DirectionalRecord{}
	}

	out := make([]DirectionalRecord, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = DirectionalRecord{TS: r.TS, Name: r.Name, Value: r.Value}
	}
	return out
}

// ClampDirectionalLimit bounds a caller-supplied limit to [1, MaxDirectionalLimit].
func ClampDirectionalLimit(limit int) int {
	if limit <= 0 {
		return DefaultDirectionalLimit
	}
	if limit > MaxDirectionalLimit {
		return MaxDirectionalLimit
	}
	return limit
}

func decodePayload(raw datatypes.JSON) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}
	return payload, nil
}

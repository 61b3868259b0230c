// Package store persists positions, the event audit log, and the sync
// cursor to MySQL via GORM. ApplyBatch is the only write path used by the
// indexer; everything else is read-only and safe for concurrent callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sage-finance/sagepoints/internal/model"
)

const cursorKey = "last_processed_block"

// PositionRecord is the GORM model backing the positions table.
type PositionRecord struct {
	UserAddress                  string  `gorm:"column:user_address;primaryKey;size:42;index:idx_positions_user"`
	Nonce                        uint64  `gorm:"column:nonce;primaryKey"`
	Amount                       string  `gorm:"column:amount;type:varchar(78);not null"`
	DepositTimestamp             uint64  `gorm:"column:deposit_timestamp;not null"`
	Status                       string  `gorm:"column:status;size:16;not null;index:idx_positions_status"`
	WithdrawalInitiatedTimestamp *uint64 `gorm:"column:withdrawal_initiated_timestamp"`
	BlockNumber                  uint64  `gorm:"column:block_number;not null"`
}

func (PositionRecord) TableName() string { return "positions" }

// EventRecord is the GORM model backing the append-only events table.
type EventRecord struct {
	ID              uint64  `gorm:"column:id;primaryKey;autoIncrement;index:idx_events_user_block,priority:3,sort:desc"`
	EventType       string  `gorm:"column:event_type;size:40;not null"`
	UserAddress     string  `gorm:"column:user_address;size:42;not null;index:idx_events_user_block,priority:1"`
	Nonce           *uint64 `gorm:"column:nonce"`
	Amount          *string `gorm:"column:amount;type:varchar(78)"`
	BlockNumber     uint64  `gorm:"column:block_number;not null;index:idx_events_user_block,priority:2,sort:desc"`
	TransactionHash string  `gorm:"column:transaction_hash;size:66;not null"`
	Timestamp       uint64  `gorm:"column:timestamp;not null"`
	LogIndex        uint    `gorm:"column:log_index;not null"`
}

func (EventRecord) TableName() string { return "events" }

// SyncMetadataRecord holds the single-row sync cursor.
type SyncMetadataRecord struct {
	Key   string `gorm:"column:key;primaryKey;size:64"`
	Value uint64 `gorm:"column:value;not null"`
}

func (SyncMetadataRecord) TableName() string { return "sync_metadata" }

// EventView is a read-only projection of an event for the query layer.
type EventView struct {
	EventType       string
	UserAddress     string
	Nonce           *uint64
	Amount          *big.Int
	BlockNumber     uint64
	TransactionHash string
	Timestamp       uint64
	LogIndex        uint
	// Status is the current status of the event's associated position, or
	// "" if no position exists for the event's (user, nonce) (e.g. a rejected
	// event that never created one).
	Status string
}

// LeaderboardRow is one ranked entry in the points leaderboard.
type LeaderboardRow struct {
	UserAddress        string
	TotalStaked        *big.Int
	SagePoints         string
	FormationPoints    string
}

// Store is the persistence interface the indexer and query layer share.
type Store interface {
	LoadAllPositions(ctx context.Context) ([]model.Position, error)
	UpsertPosition(ctx context.Context, pos model.Position) error
	AppendEvent(ctx context.Context, evt model.Event) error
	GetCursor(ctx context.Context) (uint64, bool, error)
	SetCursor(ctx context.Context, block uint64) error
	ApplyBatch(ctx context.Context, positions []model.Position, events []model.Event, newCursor uint64) error
	UserPositions(ctx context.Context, address string) ([]model.Position, error)
	UserEvents(ctx context.Context, address string) ([]EventView, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error)
}

// GormStore is the MySQL-backed implementation of Store.
type GormStore struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// New opens a MySQL connection and migrates the schema.
func New(dsn string, log *zap.SugaredLogger) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to mysql: %w", err)
	}
	return NewWithDB(db, log)
}

// NewWithDB wraps an already-open *gorm.DB (used by tests with sqlmock).
func NewWithDB(db *gorm.DB, log *zap.SugaredLogger) (*GormStore, error) {
	if err := db.AutoMigrate(&PositionRecord{}, &EventRecord{}, &SyncMetadataRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db, log: log}, nil
}

func (s *GormStore) LoadAllPositions(ctx context.Context) ([]model.Position, error) {
	var records []PositionRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load all positions: %w", err)
	}
	positions := make([]model.Position, 0, len(records))
	for _, r := range records {
		positions = append(positions, recordToPosition(r))
	}
	return positions, nil
}

func (s *GormStore) UpsertPosition(ctx context.Context, pos model.Position) error {
	record := positionToRecord(pos)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_address"}, {Name: "nonce"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("upsert position %s/%d: %w", pos.UserAddress, pos.Nonce, err)
	}
	return nil
}

func (s *GormStore) AppendEvent(ctx context.Context, evt model.Event) error {
	record := eventToRecord(evt)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("append event %s for %s: %w", evt.EventType, evt.UserAddress, err)
	}
	return nil
}

func (s *GormStore) GetCursor(ctx context.Context) (uint64, bool, error) {
	var record SyncMetadataRecord
	err := s.db.WithContext(ctx).Where("key = ?", cursorKey).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
	return record.Value, true, nil
}

// SetCursor rejects a non-monotonic write: a cursor can only move forward.
// This guards against a stale backfill goroutine racing a newer one; a
// refused write is logged here as a warning and reported to the caller as
// success (nil error), never as fatal.
func (s *GormStore) SetCursor(ctx context.Context, block uint64) error {
	current, ok, err := s.GetCursor(ctx)
	if err != nil {
		return err
	}
	if ok && block < current {
		if s.log != nil {
			s.log.Warnw("refusing non-monotonic cursor write", "current", current, "attempted", block)
		}
		return nil
	}
	return s.setCursorTx(s.db.WithContext(ctx), block)
}

func (s *GormStore) setCursorTx(tx *gorm.DB, block uint64) error {
	record := SyncMetadataRecord{Key: cursorKey, Value: block}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// ApplyBatch commits a backfill range's positions, events and cursor advance
// as a single transaction. Either everything lands or nothing does — this is
// the only write path into the store (design note: see internal/statemachine
// and internal/indexer for why a partial write here would double-count or
// lose points on restart).
func (s *GormStore) ApplyBatch(ctx context.Context, positions []model.Position, events []model.Event, newCursor uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, pos := range positions {
			record := positionToRecord(pos)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_address"}, {Name: "nonce"}},
				UpdateAll: true,
			}).Create(&record).Error; err != nil {
				return fmt.Errorf("apply batch: upsert position %s/%d: %w", pos.UserAddress, pos.Nonce, err)
			}
		}
		for _, evt := range events {
			record := eventToRecord(evt)
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("apply batch: append event %s: %w", evt.EventType, err)
			}
		}
		if err := s.setCursorTx(tx, newCursor); err != nil {
			return fmt.Errorf("apply batch: %w", err)
		}
		return nil
	})
}

func (s *GormStore) UserPositions(ctx context.Context, address string) ([]model.Position, error) {
	var records []PositionRecord
	err := s.db.WithContext(ctx).Where("user_address = ?", address).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("user positions for %s: %w", address, err)
	}
	positions := make([]model.Position, 0, len(records))
	for _, r := range records {
		positions = append(positions, recordToPosition(r))
	}
	return positions, nil
}

// eventWithStatusRow is the flat projection of an events-left-join-positions
// query: every event column plus the current status of the position it
// belongs to, empty when no matching position exists.
type eventWithStatusRow struct {
	EventType       string  `gorm:"column:event_type"`
	UserAddress     string  `gorm:"column:user_address"`
	Nonce           *uint64 `gorm:"column:nonce"`
	Amount          *string `gorm:"column:amount"`
	BlockNumber     uint64  `gorm:"column:block_number"`
	TransactionHash string  `gorm:"column:transaction_hash"`
	Timestamp       uint64  `gorm:"column:timestamp"`
	LogIndex        uint    `gorm:"column:log_index"`
	Status          string  `gorm:"column:status"`
}

// UserEvents returns address's event history, each carrying the current
// status of its associated position via a left join (empty string if no
// position exists for the event's (user, nonce), e.g. a rejected event never
// created one).
func (s *GormStore) UserEvents(ctx context.Context, address string) ([]EventView, error) {
	var rows []eventWithStatusRow
	err := s.db.WithContext(ctx).
		Table("events").
		Select("events.*, COALESCE(positions.status, '') AS status").
		Joins("LEFT JOIN positions ON positions.user_address = events.user_address AND positions.nonce = events.nonce").
		Where("events.user_address = ?", address).
		Order("events.block_number DESC, events.id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("user events for %s: %w", address, err)
	}
	views := make([]EventView, 0, len(rows))
	for _, r := range rows {
		views = append(views, eventJoinRowToView(r))
	}
	return views, nil
}

// Leaderboard ranks users by combined SAGE + Formation points, computed
// SQL-side from amount/deposit window using the same T_end rule as
// internal/points: withdrawal_initiated_timestamp when set, else now() for
// active positions. Ties break by user_address ascending only, for
// deterministic pagination.
func (s *GormStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 {
		limit = 10
	}

	const query = `
SELECT
  user_address,
  SUM(CAST(amount AS DECIMAL(65,0))) AS total_staked,
  SUM(
    (CAST(amount AS DECIMAL(65,0)) / 1e18) *
    0.01 *
    (GREATEST(
      COALESCE(withdrawal_initiated_timestamp, IF(status = 'active', UNIX_TIMESTAMP(), deposit_timestamp))
      - deposit_timestamp, 0
    ) / 86400.0)
  ) AS sage_points,
  SUM(
    (CAST(amount AS DECIMAL(65,0)) / 1e18) *
    0.005 *
    (GREATEST(
      COALESCE(withdrawal_initiated_timestamp, IF(status = 'active', UNIX_TIMESTAMP(), deposit_timestamp))
      - deposit_timestamp, 0
    ) / 86400.0)
  ) AS formation_points
FROM positions
GROUP BY user_address
ORDER BY (sage_points + formation_points) DESC, user_address ASC
LIMIT ?`

	type row struct {
		UserAddress     string
		TotalStaked     string
		SagePoints      string
		FormationPoints string
	}
	var rows []row
	if err := s.db.WithContext(ctx).Raw(query, limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}

	out := make([]LeaderboardRow, 0, len(rows))
	for _, r := range rows {
		total, ok := new(big.Int).SetString(r.TotalStaked, 10)
		if !ok {
			total = big.NewInt(0)
		}
		out = append(out, LeaderboardRow{
			UserAddress:     r.UserAddress,
			TotalStaked:     total,
			SagePoints:      r.SagePoints,
			FormationPoints: r.FormationPoints,
		})
	}
	return out, nil
}

func positionToRecord(pos model.Position) PositionRecord {
	return PositionRecord{
		UserAddress:                  pos.UserAddress,
		Nonce:                        pos.Nonce,
		Amount:                       bigIntToString(pos.Amount),
		DepositTimestamp:             pos.DepositTimestamp,
		Status:                       string(pos.Status),
		WithdrawalInitiatedTimestamp: pos.WithdrawalInitiatedTimestamp,
		BlockNumber:                  pos.BlockNumber,
	}
}

func recordToPosition(r PositionRecord) model.Position {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		amount = big.NewInt(0)
	}
	return model.Position{
		UserAddress:                  r.UserAddress,
		Nonce:                        r.Nonce,
		Amount:                       amount,
		DepositTimestamp:             r.DepositTimestamp,
		Status:                       model.PositionStatus(r.Status),
		WithdrawalInitiatedTimestamp: r.WithdrawalInitiatedTimestamp,
		BlockNumber:                  r.BlockNumber,
	}
}

func eventToRecord(evt model.Event) EventRecord {
	var amount *string
	if evt.Amount != nil {
		s := evt.Amount.String()
		amount = &s
	}
	return EventRecord{
		EventType:       string(evt.EventType),
		UserAddress:     evt.UserAddress,
		Nonce:           evt.Nonce,
		Amount:          amount,
		BlockNumber:     evt.BlockNumber,
		TransactionHash: evt.TransactionHash,
		Timestamp:       evt.Timestamp,
		LogIndex:        evt.LogIndex,
	}
}

func eventJoinRowToView(r eventWithStatusRow) EventView {
	var amount *big.Int
	if r.Amount != nil {
		if v, ok := new(big.Int).SetString(*r.Amount, 10); ok {
			amount = v
		}
	}
	return EventView{
		EventType:       r.EventType,
		UserAddress:     r.UserAddress,
		Nonce:           r.Nonce,
		Amount:          amount,
		BlockNumber:     r.BlockNumber,
		TransactionHash: r.TransactionHash,
		Timestamp:       r.Timestamp,
		LogIndex:        r.LogIndex,
		Status:          r.Status,
	}
}

// bigIntToString safely converts *big.Int to string, handling nil values.
func bigIntToString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"shipnotes/pkg/changes"
	"shipnotes/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultTable = "events"
	defaultLimit = 20
)

// Config mirrors the storage configuration for the events table.
type Config struct {
	storage.Config
	Table string
}

// Store implements storage.EventStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
	owned bool
	now   func() time.Time
}

type row struct {
	DeliveryID     string           `gorm:"column:delivery_id;primaryKey;size:128"`
	InstallationID int64            `gorm:"column:installation_id;index"`
	Kind           string           `gorm:"column:kind;size:64"`
	Type           string           `gorm:"column:type;size:32"`
	RepoFullName   string           `gorm:"column:repo_full_name;size:255"`
	Payload        string           `gorm:"column:payload;type:text"`
	Summary        *changes.Summary `gorm:"column:summary;type:text;serializer:json"`
	ReceivedAt     time.Time        `gorm:"column:received_at;index"`
	Processed      bool             `gorm:"column:processed;index"`
	ProcessedAt    *time.Time       `gorm:"column:processed_at"`
}

// Open creates a GORM-backed events store with its own connection.
func Open(cfg Config) (*Store, error) {
	db, err := storage.OpenDB(cfg.Config)
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	store, err := New(db, cfg.TablePrefix+table, cfg.AutoMigrate)
	if err != nil {
		_ = storage.CloseDB(db)
		return nil, err
	}
	store.owned = true
	return store, nil
}

// New wraps a shared connection. An empty table uses the default name.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if table == "" {
		table = defaultTable
	}
	store := &Store{db: db, table: table, now: time.Now}
	if autoMigrate {
		if err := store.tableDB().AutoMigrate(&row{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection when the store owns it.
func (s *Store) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return storage.CloseDB(s.db)
}

// InsertEvent stores the event keyed by delivery id. A repeated delivery
// leaves the first row untouched and returns it with inserted=false.
func (s *Store) InsertEvent(ctx context.Context, record storage.Event) (*storage.Event, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("store is not initialized")
	}
	if record.DeliveryID == "" {
		return nil, false, errors.New("delivery id is required")
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = s.now().UTC()
	}
	data := toRow(record)
	result := s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "delivery_id"}},
			DoNothing: true,
		}).
		Create(&data)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected > 0 {
		stored := fromRow(data)
		return &stored, true, nil
	}
	existing, err := s.GetEvent(ctx, record.DeliveryID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("event vanished after conflicting insert")
	}
	return existing, false, nil
}

// GetEvent fetches an event by delivery id; nil when absent.
func (s *Store) GetEvent(ctx context.Context, deliveryID string) (*storage.Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().WithContext(ctx).Where("delivery_id = ?", deliveryID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// MarkProcessed flags the event processed and attaches the summary, if any.
func (s *Store) MarkProcessed(ctx context.Context, deliveryID string, summary *changes.Summary) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	updates := map[string]interface{}{
		"processed":    true,
		"processed_at": s.now().UTC(),
	}
	if summary != nil {
		encoded, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		updates["summary"] = string(encoded)
	}
	result := s.tableDB().WithContext(ctx).Where("delivery_id = ?", deliveryID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListRecentEvents returns the newest events first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]storage.Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	var data []row
	err := s.tableDB().
		WithContext(ctx).
		Order("received_at desc").
		Order("delivery_id desc").
		Limit(limit).
		Find(&data).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.Event, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

// CountEvents returns the total and processed event counts.
func (s *Store) CountEvents(ctx context.Context) (storage.EventCounts, error) {
	if s == nil || s.db == nil {
		return storage.EventCounts{}, errors.New("store is not initialized")
	}
	var counts storage.EventCounts
	if err := s.tableDB().WithContext(ctx).Count(&counts.Total).Error; err != nil {
		return counts, err
	}
	if err := s.tableDB().WithContext(ctx).Where("processed = ?", true).Count(&counts.Processed).Error; err != nil {
		return counts, err
	}
	return counts, nil
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.Event) row {
	return row{
		DeliveryID:     record.DeliveryID,
		InstallationID: record.InstallationID,
		Kind:           record.Kind,
		Type:           string(record.Type),
		RepoFullName:   record.RepoFullName,
		Payload:        string(record.Payload),
		Summary:        record.Summary,
		ReceivedAt:     record.ReceivedAt,
		Processed:      record.Processed,
		ProcessedAt:    record.ProcessedAt,
	}
}

func fromRow(data row) storage.Event {
	var payload json.RawMessage
	if data.Payload != "" {
		payload = json.RawMessage(data.Payload)
	}
	return storage.Event{
		DeliveryID:     data.DeliveryID,
		InstallationID: data.InstallationID,
		Kind:           data.Kind,
		Type:           changes.Kind(data.Type),
		RepoFullName:   data.RepoFullName,
		Payload:        payload,
		Summary:        data.Summary,
		ReceivedAt:     data.ReceivedAt,
		Processed:      data.Processed,
		ProcessedAt:    data.ProcessedAt,
	}
}

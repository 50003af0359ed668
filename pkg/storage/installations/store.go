package installations

import (
	"context"
	"errors"
	"time"

	"shipnotes/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultTable = "installations"

// Config mirrors the storage configuration for the installations table.
type Config struct {
	storage.Config
	Table string
}

// Store implements storage.InstallationStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
	owned bool
}

type row struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	AccountLogin string    `gorm:"column:account_login;size:255;index"`
	AccountID    int64     `gorm:"column:account_id"`
	Repositories []string  `gorm:"column:repositories;type:text;serializer:json"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// Open creates a GORM-backed installations store with its own connection.
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
	store := &Store{db: db, table: table}
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

// UpsertInstallation inserts or replaces an installation record.
func (s *Store) UpsertInstallation(ctx context.Context, record storage.Installation) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if record.ID == 0 {
		return errors.New("installation id is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Repositories = dedupe(record.Repositories)

	data := toRow(record)
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_login", "account_id", "repositories", "updated_at"}),
		}).
		Create(&data).Error
}

// GetInstallation fetches a single installation; nil when absent.
func (s *Store) GetInstallation(ctx context.Context, id int64) (*storage.Installation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().WithContext(ctx).Where("id = ?", id).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// DeleteInstallation removes an installation. Deleting a missing row is not an error.
func (s *Store) DeleteInstallation(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	return s.tableDB().WithContext(ctx).Where("id = ?", id).Delete(&row{}).Error
}

// ListInstallations lists installations, optionally for one account login.
func (s *Store) ListInstallations(ctx context.Context, accountLogin string) ([]storage.Installation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	query := s.tableDB().WithContext(ctx).Order("id asc")
	if accountLogin != "" {
		query = query.Where("account_login = ?", accountLogin)
	}
	var data []row
	if err := query.Find(&data).Error; err != nil {
		return nil, err
	}
	records := make([]storage.Installation, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.Installation) row {
	repos := record.Repositories
	if repos == nil {
		repos = []string{}
	}
	return row{
		ID:           record.ID,
		AccountLogin: record.AccountLogin,
		AccountID:    record.AccountID,
		Repositories: repos,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}

func fromRow(data row) storage.Installation {
	return storage.Installation{
		ID:           data.ID,
		AccountLogin: data.AccountLogin,
		AccountID:    data.AccountID,
		Repositories: data.Repositories,
		CreatedAt:    data.CreatedAt,
		UpdatedAt:    data.UpdatedAt,
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

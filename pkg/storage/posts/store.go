package posts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shipnotes/pkg/changes"
	"shipnotes/pkg/storage"
)

const (
	defaultTable = "posts"
	defaultLimit = 50
)

// Config mirrors the storage configuration for the posts table.
type Config struct {
	storage.Config
	Table string
}

// Store implements storage.PostStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
	owned bool
}

type row struct {
	ID             string    `gorm:"column:id;primaryKey;size:36"`
	InstallationID int64     `gorm:"column:installation_id;index"`
	EventID        *string   `gorm:"column:event_id;size:128;uniqueIndex"`
	UserID         string    `gorm:"column:user_id;size:128;index"`
	Summary        string    `gorm:"column:summary;type:text"`
	Content        string    `gorm:"column:content;type:text"`
	Status         string    `gorm:"column:status;size:16;index"`
	EventType      string    `gorm:"column:event_type;size:32"`
	RepoFullName   string    `gorm:"column:repo_full_name;size:255"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// Open creates a GORM-backed posts store with its own connection.
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

// CreatePost inserts a post. When EventID is set and a post for that event
// already exists, the existing post is returned with created=false.
func (s *Store) CreatePost(ctx context.Context, record storage.Post) (*storage.Post, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("store is not initialized")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = storage.PostDraft
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data := toRow(record)
	query := s.tableDB().WithContext(ctx)
	if record.EventID != nil {
		query = query.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		})
	}
	result := query.Create(&data)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected > 0 || record.EventID == nil {
		created := fromRow(data)
		return &created, true, nil
	}

	var existing row
	if err := s.tableDB().WithContext(ctx).Where("event_id = ?", *record.EventID).Take(&existing).Error; err != nil {
		return nil, false, err
	}
	post := fromRow(existing)
	return &post, false, nil
}

// ListPosts returns the newest posts first.
func (s *Store) ListPosts(ctx context.Context, filter storage.PostFilter) ([]storage.Post, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	query := s.tableDB().WithContext(ctx)
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.InstallationID != 0 {
		query = query.Where("installation_id = ?", filter.InstallationID)
	}
	var data []row
	if err := query.Order("created_at desc").Limit(limit).Find(&data).Error; err != nil {
		return nil, err
	}
	records := make([]storage.Post, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

// CountPostsByStatus groups posts by status.
func (s *Store) CountPostsByStatus(ctx context.Context) (map[storage.PostStatus]int64, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var rows []struct {
		Status string
		Total  int64
	}
	err := s.tableDB().
		WithContext(ctx).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[storage.PostStatus]int64, len(rows))
	for _, item := range rows {
		counts[storage.PostStatus(item.Status)] = item.Total
	}
	return counts, nil
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.Post) row {
	return row{
		ID:             record.ID,
		InstallationID: record.InstallationID,
		EventID:        record.EventID,
		UserID:         record.UserID,
		Summary:        record.Summary,
		Content:        record.Content,
		Status:         string(record.Status),
		EventType:      string(record.EventType),
		RepoFullName:   record.RepoFullName,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func fromRow(data row) storage.Post {
	return storage.Post{
		ID:             data.ID,
		InstallationID: data.InstallationID,
		EventID:        data.EventID,
		UserID:         data.UserID,
		Summary:        data.Summary,
		Content:        data.Content,
		Status:         storage.PostStatus(data.Status),
		EventType:      changes.Kind(data.EventType),
		RepoFullName:   data.RepoFullName,
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}
}

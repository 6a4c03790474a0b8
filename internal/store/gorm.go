package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	_ "modernc.org/sqlite"
)

// kvRecord is one key/value pair
type kvRecord struct {
	Name      string `gorm:"primaryKey"`
	Value     []byte
	UpdatedAt time.Time
}

func (kvRecord) TableName() string { return "kv_entries" }

// listRecord is one element of a bounded list
type listRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	ListName  string `gorm:"not null;index:idx_list_name_id"`
	Value     []byte
	CreatedAt time.Time
}

func (listRecord) TableName() string { return "list_entries" }

// GormStore implements Store on top of a gorm connection
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite database with the pure Go driver and migrates it.
func OpenSQLite(path string) (*GormStore, error) {
	// WAL allows readers alongside the single writer; busy_timeout waits for locks (ms)
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY between our own goroutines
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := NewGormStore(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("[Store] Database initialized")
	return s, nil
}

// NewGormStore wraps an existing gorm connection and runs migrations
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&kvRecord{}, &listRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rec kvRecord
	err := s.db.WithContext(ctx).Where("name = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (s *GormStore) Put(ctx context.Context, key string, value []byte) error {
	rec := kvRecord{Name: key, Value: value}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("name = ?", key).Delete(&kvRecord{}).Error
}

func (s *GormStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&kvRecord{}).
		Where(`name LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Pluck("name", &names).Error
	if err != nil {
		return nil, err
	}
	// LIKE is case-insensitive for ASCII in SQLite
	keys := names[:0]
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			keys = append(keys, n)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *GormStore) Append(ctx context.Context, list string, value []byte, limit int) (uint64, error) {
	rec := listRecord{ListName: list, Value: value}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}
		return tx.Exec(`DELETE FROM list_entries WHERE list_name = ? AND id NOT IN (
			SELECT id FROM list_entries WHERE list_name = ? ORDER BY id DESC LIMIT ?)`,
			list, list, limit).Error
	})
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (s *GormStore) Entries(ctx context.Context, list string) ([]Entry, error) {
	var recs []listRecord
	if err := s.db.WithContext(ctx).Where("list_name = ?", list).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = Entry{ID: r.ID, Value: r.Value, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (s *GormStore) Remove(ctx context.Context, list string, id uint64) error {
	return s.db.WithContext(ctx).Where("list_name = ? AND id = ?", list, id).Delete(&listRecord{}).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

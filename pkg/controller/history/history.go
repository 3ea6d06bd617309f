// Package history provides the append-only session-history store: one
// record per created deployment session, keyed by timestamp.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Record is one session-history entry.
type Record struct {
	ID          uint      `gorm:"primaryKey"`
	Timestamp   time.Time `gorm:"index;not null"`
	PartitionID string    `gorm:"index;not null"`
	SessionID   string    `gorm:"not null"`
}

// TableName pins the table name independent of pluralisation settings.
func (Record) TableName() string { return "session_history" }

// Store is a SQLite-backed session-history log.
type Store struct {
	db *gorm.DB
}

// Open creates (or opens) the history database in the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory %q: %w", dir, err)
	}

	path := filepath.Join(dir, "odc_session_history.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database %q: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an in-memory history store, for tests.
func OpenInMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Append records one created session.
func (s *Store) Append(partitionID, sessionID string) error {
	rec := Record{
		Timestamp:   time.Now().UTC(),
		PartitionID: partitionID,
		SessionID:   sessionID,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("appending history record: %w", err)
	}
	return nil
}

// Records returns all history entries ordered by timestamp.
func (s *Store) Records() ([]Record, error) {
	var out []Record
	if err := s.db.Order("timestamp asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing history records: %w", err)
	}
	return out, nil
}

// ForPartition returns the history entries of one partition.
func (s *Store) ForPartition(partitionID string) ([]Record, error) {
	var out []Record
	if err := s.db.Where("partition_id = ?", partitionID).Order("timestamp asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing history records: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

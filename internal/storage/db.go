package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the crash-safe state store: a single "files" table in an
// embedded SQL database running in WAL mode so the telemetry reader and
// the resume planner never block a worker's write.
type Store struct {
	DB *gorm.DB
}

// Open creates or opens the state store at dbPath, enabling WAL mode and
// migrating the schema. dbPath is typically {output_dir}/grabia_state.db;
// its presence is the signal that a prior job exists in that directory.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create output dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: underlying sql.DB: %w", err)
	}
	// Keep connections short-lived and few: the store is read/written from
	// many goroutines per call, never held across I/O, so a small pool
	// avoids lock contention on the single underlying file rather than
	// hiding it.
	sqlDB.SetMaxOpenConns(4)

	if err := db.AutoMigrate(&FileRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert inserts a fresh FileRecord or replaces an existing one, resetting
// status to pending. Scanner-only; workers never call this.
func (s *Store) Upsert(rec FileRecord) error {
	rec.Status = StatusPending
	return s.DB.Save(&rec).Error
}

// SetStatus mutates the status and attempt_count of one (item, file) row.
// Worker-only.
func (s *Store) SetStatus(itemID, fileName, status string, attemptCount int) error {
	return s.DB.Model(&FileRecord{}).
		Where("item_id = ? AND file_name = ?", itemID, fileName).
		Updates(map[string]any{
			"status":        status,
			"attempt_count": attemptCount,
		}).Error
}

// Counts returns the current distribution of rows by status.
func (s *Store) Counts() (Counts, error) {
	var c Counts
	if err := s.DB.Model(&FileRecord{}).Count(&c.Total).Error; err != nil {
		return c, err
	}
	for status, dst := range map[string]*int64{
		StatusDone:     &c.Done,
		StatusFailed:   &c.Failed,
		StatusPending:  &c.Pending,
		StatusRetrying: &c.Retrying,
	} {
		if err := s.DB.Model(&FileRecord{}).Where("status = ?", status).Count(dst).Error; err != nil {
			return c, err
		}
	}
	return c, nil
}

// PendingItems returns the distinct item_ids with any row not yet done,
// used by a resume planner to know which items still need work.
func (s *Store) PendingItems() ([]string, error) {
	var ids []string
	err := s.DB.Model(&FileRecord{}).
		Where("status != ?", StatusDone).
		Distinct().
		Pluck("item_id", &ids).Error
	return ids, err
}

// PendingBytes sums the declared Size of every row still pending or
// retrying, used to turn a byte-rate into an ETA. Done and failed rows are
// excluded: done needs no more transfer, and failed has given up.
func (s *Store) PendingBytes() (int64, error) {
	var total int64
	err := s.DB.Model(&FileRecord{}).
		Where("status IN ?", []string{StatusPending, StatusRetrying}).
		Select("COALESCE(SUM(size), 0)").
		Scan(&total).Error
	return total, err
}

// Get fetches a single FileRecord by its composite key.
func (s *Store) Get(itemID, fileName string) (FileRecord, error) {
	var rec FileRecord
	err := s.DB.Where("item_id = ? AND file_name = ?", itemID, fileName).First(&rec).Error
	return rec, err
}

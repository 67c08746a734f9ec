package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// kvRecord is the single table backing SQLDB. Keys are stored hex encoded so
// that the primary key stays a plain text column on every dialect.
type kvRecord struct {
	RecordKey string    `gorm:"column:record_key;primaryKey;size:160"`
	Value     []byte    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (kvRecord) TableName() string { return "kv_records" }

// SQLDB implements Database on top of a gorm connection.
type SQLDB struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLite opens a SQLite database through the pure Go glebarez driver.
func OpenSQLite(dsn string) (*SQLDB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: sqlite dsn required")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	return NewSQLDB(db)
}

// OpenPostgres opens a Postgres database using the pgx backed gorm driver.
func OpenPostgres(dsn string) (*SQLDB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: postgres dsn required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	return NewSQLDB(db)
}

// NewSQLDB wraps an existing gorm handle and migrates the key-value table.
func NewSQLDB(db *gorm.DB) (*SQLDB, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: gorm handle required")
	}
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &SQLDB{db: db, now: time.Now}, nil
}

func (s *SQLDB) Put(key []byte, value []byte) error {
	return upsertRecord(s.db, key, value, s.now())
}

func (s *SQLDB) Get(key []byte) ([]byte, error) {
	var rec kvRecord
	err := s.db.Where("record_key = ?", hex.EncodeToString(key)).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (s *SQLDB) Delete(key []byte) error {
	return s.db.Where("record_key = ?", hex.EncodeToString(key)).Delete(&kvRecord{}).Error
}

func (s *SQLDB) NewBatch() Batch { return &sqlBatch{store: s} }

func (s *SQLDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func upsertRecord(tx *gorm.DB, key, value []byte, now time.Time) error {
	rec := kvRecord{RecordKey: hex.EncodeToString(key), Value: value, UpdatedAt: now.UTC()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
}

type sqlBatch struct {
	opList
	store *SQLDB
}

func (b *sqlBatch) Write() error {
	now := b.store.now()
	return b.store.db.Transaction(func(tx *gorm.DB) error {
		for _, op := range b.ops {
			if op.delete {
				if err := tx.Where("record_key = ?", hex.EncodeToString(op.key)).Delete(&kvRecord{}).Error; err != nil {
					return err
				}
				continue
			}
			if err := upsertRecord(tx, op.key, op.value, now); err != nil {
				return err
			}
		}
		return nil
	})
}

package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

var _ storage.KeyValueStore = (*Store)(nil)

// KeyValueEntry is a single persisted key with its JSON value.
type KeyValueEntry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (KeyValueEntry) TableName() string {
	return "kv_entries"
}

// StoreConfig describes the dependencies of a SQLite-backed key/value store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable KeyValueStore, one row per key.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *Store) Get(key string) (json.RawMessage, error) {
	var entry KeyValueEntry
	err := s.db.Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		s.logger.Error("key lookup failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return json.RawMessage(entry.ValueJSON), nil
}

func (s *Store) Set(key string, value json.RawMessage) error {
	entry := KeyValueEntry{
		Key:              key,
		ValueJSON:        string(value),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		s.logger.Error("key write failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

func (s *Store) Remove(key string) error {
	err := s.db.Where("entry_key = ?", key).Delete(&KeyValueEntry{}).Error
	if err != nil {
		s.logger.Error("key removal failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// Keys lists every stored key in ascending order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	if err := s.db.Model(&KeyValueEntry{}).Order("entry_key ASC").Pluck("entry_key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

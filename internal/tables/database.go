// Package tables implements a table-oriented record store on top of a
// storage.KeyValueStore. A table is an ordered list of record ids kept under
// the table's name; records live under their own id and carry a "table" tag.
// The set of table names is kept under the database name.
package tables

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates that no record exists under the requested id.
	ErrNotFound = errors.New("tables: record not found")
	// ErrUnknownTable indicates that the table is not registered in the database.
	ErrUnknownTable = errors.New("tables: unknown table")
	// ErrDuplicateTable indicates that the table is already registered.
	ErrDuplicateTable = errors.New("tables: table already exists")

	errMissingStore      = errors.New("tables: key/value store is required")
	errMissingName       = errors.New("tables: database name is required")
	errMissingIDProvider = errors.New("tables: id provider is required")
	noOpLogger           = zap.NewNop()
)

// Config describes the dependencies of a Database.
type Config struct {
	Store      storage.KeyValueStore
	Name       string
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Database is a named collection of tables persisted in a key/value store.
type Database struct {
	mu     sync.Mutex
	store  storage.KeyValueStore
	name   string
	ids    IDProvider
	logger *zap.Logger
	tables []string
}

// Open loads the table directory stored under cfg.Name, creating an empty one
// when the store does not hold it yet.
func Open(cfg Config) (*Database, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Name == "" {
		return nil, errMissingName
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	db := &Database{
		store:  cfg.Store,
		name:   cfg.Name,
		ids:    cfg.IDProvider,
		logger: logger,
	}

	var directory []string
	err := storage.GetJSON(cfg.Store, cfg.Name, &directory)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		if err := storage.SetJSON(cfg.Store, cfg.Name, []string{}); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("tables: load directory %q: %w", cfg.Name, err)
	default:
		db.tables = directory
	}
	return db, nil
}

// Name returns the key the table directory is stored under.
func (db *Database) Name() string {
	return db.name
}

// Tables returns the registered table names in registration order.
func (db *Database) Tables() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Clone(db.tables)
}

// HasTable reports whether the table is registered.
func (db *Database) HasTable(table string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Contains(db.tables, table)
}

// EnsureTables registers every missing table and leaves existing ones untouched.
func (db *Database) EnsureTables(tables ...string) error {
	for _, table := range tables {
		if err := db.AddTable(table); err != nil && !errors.Is(err, ErrDuplicateTable) {
			return err
		}
	}
	return nil
}

// AddTable registers a new empty table.
func (db *Database) AddTable(table string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if slices.Contains(db.tables, table) {
		return fmt.Errorf("%w: %s", ErrDuplicateTable, table)
	}
	if err := storage.SetJSON(db.store, table, []string{}); err != nil {
		return err
	}
	db.tables = append(db.tables, table)
	if err := storage.SetJSON(db.store, db.name, db.tables); err != nil {
		return err
	}
	db.logger.Debug("table added", zap.String("table", table))
	return nil
}

// RemoveTable deletes every record listed in the table, the table itself and
// its directory entry.
func (db *Database) RemoveTable(table string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	index := slices.Index(db.tables, table)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	ids, err := db.loadTable(table)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := db.store.Remove(id); err != nil {
			return err
		}
	}
	if err := db.store.Remove(table); err != nil {
		return err
	}
	db.tables = slices.Delete(db.tables, index, index+1)
	return storage.SetJSON(db.store, db.name, db.tables)
}

// Get returns the record stored under id.
func (db *Database) Get(id string) (Record, error) {
	raw, err := db.store.Get(id)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return Record(raw), nil
}

// GetInto decodes the record stored under id into target.
func (db *Database) GetInto(id string, target any) error {
	record, err := db.Get(id)
	if err != nil {
		return err
	}
	return record.Decode(target)
}

// GetTableItems returns the records listed in the table, in list order.
func (db *Database) GetTableItems(table string) ([]Item, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !slices.Contains(db.tables, table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	ids, err := db.loadTable(table)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		record, err := db.Get(id)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{ID: id, Record: record})
	}
	return items, nil
}

// Add stores value in table under a freshly generated id and returns the id.
func (db *Database) Add(table string, value any) (string, error) {
	id, err := db.ids.NewID()
	if err != nil {
		return "", err
	}
	return id, db.AddWithID(table, id, value)
}

// AddWithID stores value in table under the caller-supplied id.
func (db *Database) AddWithID(table, id string, value any) error {
	record, err := stamp(value, table)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if !slices.Contains(db.tables, table) {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	ids, err := db.loadTable(table)
	if err != nil {
		return err
	}
	ids = append(ids, id)
	if err := storage.SetJSON(db.store, table, ids); err != nil {
		return err
	}
	return db.store.Set(id, json.RawMessage(record))
}

// Update replaces the record under id, keeping its original table tag.
func (db *Database) Update(id string, value any) error {
	existing, err := db.Get(id)
	if err != nil {
		return err
	}
	record, err := stamp(value, existing.Table())
	if err != nil {
		return err
	}
	return db.store.Set(id, json.RawMessage(record))
}

// Remove deletes the record under id and prunes it from its table. The
// returned flag reports whether the table's id list changed.
func (db *Database) Remove(id string) (bool, error) {
	existing, err := db.Get(id)
	if err != nil {
		return false, err
	}
	if err := db.store.Remove(id); err != nil {
		return false, err
	}

	table := existing.Table()
	db.mu.Lock()
	defer db.mu.Unlock()
	ids, err := db.loadTable(table)
	if errors.Is(err, storage.ErrKeyNotFound) {
		db.logger.Warn("removed record references a missing table",
			zap.String("id", id), zap.String("table", table))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	filtered := slices.DeleteFunc(slices.Clone(ids), func(candidate string) bool {
		return candidate == id
	})
	if err := storage.SetJSON(db.store, table, filtered); err != nil {
		return false, err
	}
	return len(filtered) < len(ids), nil
}

func (db *Database) loadTable(table string) ([]string, error) {
	var ids []string
	if err := storage.GetJSON(db.store, table, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

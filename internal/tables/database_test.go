package tables

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/storage"
)

type sequenceIDProvider struct {
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

type failingIDProvider struct{}

func (failingIDProvider) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Table string `json:"table,omitempty"`
}

func newTestDatabase(t *testing.T, store storage.KeyValueStore) *Database {
	t.Helper()
	db, err := Open(Config{
		Store:      store,
		Name:       "database",
		IDProvider: &sequenceIDProvider{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestOpenValidatesConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "missing-store", cfg: Config{Name: "db", IDProvider: NewUUIDProvider()}, want: errMissingStore},
		{name: "missing-name", cfg: Config{Store: storage.NewMemoryStore(), IDProvider: NewUUIDProvider()}, want: errMissingName},
		{name: "missing-ids", cfg: Config{Store: storage.NewMemoryStore(), Name: "db"}, want: errMissingIDProvider},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := Open(testCase.cfg); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestOpenReloadsPersistedDirectory(t *testing.T) {
	store := storage.NewMemoryStore()
	first := newTestDatabase(t, store)
	if err := first.AddTable("users"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}

	second := newTestDatabase(t, store)
	if !second.HasTable("users") {
		t.Fatalf("expected reopened database to know the users table, got %v", second.Tables())
	}
}

func TestAddTableRejectsDuplicate(t *testing.T) {
	db := newTestDatabase(t, storage.NewMemoryStore())
	if err := db.AddTable("tasks"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}
	if err := db.AddTable("tasks"); !errors.Is(err, ErrDuplicateTable) {
		t.Fatalf("expected ErrDuplicateTable, got %v", err)
	}
	if err := db.EnsureTables("tasks", "projects"); err != nil {
		t.Fatalf("ensure tables failed: %v", err)
	}
	if got := db.Tables(); len(got) != 2 || got[0] != "tasks" || got[1] != "projects" {
		t.Fatalf("unexpected tables: %v", got)
	}
}

func TestAddThenGetStampsTable(t *testing.T) {
	db := newTestDatabase(t, storage.NewMemoryStore())
	if err := db.AddTable("widgets"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}

	id, err := db.Add("widgets", widget{Name: "gear", Count: 3})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	var loaded widget
	if err := db.GetInto(id, &loaded); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	expected := widget{Name: "gear", Count: 3, Table: "widgets"}
	if loaded != expected {
		t.Fatalf("unexpected record: got %+v want %+v", loaded, expected)
	}
}

func TestAddUsesSuppliedID(t *testing.T) {
	db := newTestDatabase(t, storage.NewMemoryStore())
	if err := db.AddTable("connectedClients"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}
	if err := db.AddWithID("connectedClients", "api-key", map[string]string{"userId": "u1"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	record, err := db.Get("api-key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Table() != "connectedClients" {
		t.Fatalf("unexpected table tag %q", record.Table())
	}
}

func TestAddRejectsUnknownTableAndNonObjects(t *testing.T) {
	db := newTestDatabase(t, storage.NewMemoryStore())
	if _, err := db.Add("ghost", widget{Name: "x"}); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
	if err := db.AddTable("widgets"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}
	if _, err := db.Add("widgets", []int{1, 2}); !errors.Is(err, ErrRecordNotObject) {
		t.Fatalf("expected ErrRecordNotObject, got %v", err)
	}
}

func TestAddPropagatesIDFailure(t *testing.T) {
	db, err := Open(Config{Store: storage.NewMemoryStore(), Name: "db", IDProvider: failingIDProvider{}})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := db.AddTable("widgets"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}
	if _, err := db.Add("widgets", widget{}); err == nil {
		t.Fatalf("expected id provider failure to propagate")
	}
}

func TestGetTableItemsPreservesInsertionOrder(t *testing.T) {
	db := newTestDatabase(t, storage.NewMemoryStore())
	if err := db.AddTable("widgets"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		id, err := db.Add("widgets", widget{Name: name})
		if err != nil {
			t.Fatalf("add %s failed: %v", name, err)
		}
		ids = append(ids, id)
	}

	items, err := db.GetTableItems("widgets")
	if err != nil {
		t.Fatalf("get table items failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for index, item := range items {
		if item.ID != ids[index] {
			t.Fatalf("item %d: got id %s want %s", index, item.ID, ids[index])
		}
	}

	if _, err := db.GetTableItems("ghost"); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestUpdatePreservesTableTag(t *testing.T) {
	db := newTestDatabase(t, storage.NewMemoryStore())
	if err := db.AddTable("widgets"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}
	id, err := db.Add("widgets", widget{Name: "gear"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := db.Update(id, widget{Name: "cog", Count: 9}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	var loaded widget
	if err := db.GetInto(id, &loaded); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.Name != "cog" || loaded.Count != 9 || loaded.Table != "widgets" {
		t.Fatalf("unexpected record after update: %+v", loaded)
	}

	if err := db.Update("missing", widget{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveIsIdempotentInEffect(t *testing.T) {
	store := storage.NewMemoryStore()
	db := newTestDatabase(t, store)
	if err := db.AddTable("widgets"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}
	keep, err := db.Add("widgets", widget{Name: "keep"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	drop, err := db.Add("widgets", widget{Name: "drop"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	changed, err := db.Remove(drop)
	if err != nil || !changed {
		t.Fatalf("first remove: changed=%v err=%v", changed, err)
	}
	changed, err = db.Remove(drop)
	if changed || !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: changed=%v err=%v", changed, err)
	}

	var ids []string
	if err := storage.GetJSON(store, "widgets", &ids); err != nil {
		t.Fatalf("failed to read table list: %v", err)
	}
	if len(ids) != 1 || ids[0] != keep {
		t.Fatalf("table list holds dangling ids: %v", ids)
	}
}

func TestRemoveTableDeletesRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	db := newTestDatabase(t, store)
	if err := db.AddTable("widgets"); err != nil {
		t.Fatalf("add table failed: %v", err)
	}
	id, err := db.Add("widgets", widget{Name: "gear"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := db.RemoveTable("widgets"); err != nil {
		t.Fatalf("remove table failed: %v", err)
	}
	if _, err := db.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to be removed, got %v", err)
	}
	if db.HasTable("widgets") {
		t.Fatalf("expected table to be unregistered")
	}
	if _, err := store.Get("widgets"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("expected table list to be removed, got %v", err)
	}
	if err := db.RemoveTable("widgets"); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

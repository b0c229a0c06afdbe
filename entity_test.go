package ferry

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func identityStmts(t *testing.T, c *Cursor) (person, badge *Stmt) {
	t.Helper()
	mustExec(t, c, "CREATE TABLE person_ids (person_name TEXT, person_id INTEGER)", nil)
	mustExec(t, c, "CREATE TABLE badges (person_id INTEGER, badge TEXT)", nil)
	person, err := c.Prepare("SELECT person_id FROM person_ids WHERE person_name = :person_name")
	if err != nil {
		t.Fatalf("prepare person: %v", err)
	}
	badge, err = c.Prepare("SELECT badge FROM badges WHERE person_id = :person_id")
	if err != nil {
		t.Fatalf("prepare badge: %v", err)
	}
	return person, badge
}

func TestEntityManagerResolveChain(t *testing.T) {
	c := testDB(t).Cursor()
	person, badge := identityStmts(t, c)
	mustExec(t, c, "INSERT INTO person_ids VALUES ('Ada', 7)", nil)
	mustExec(t, c, "INSERT INTO badges VALUES (7, 'A-77')", nil)

	m, err := NewEntityManager("source_id", []Resolver{
		{Name: "person_id", Stmt: person},
		{Name: "badge", Stmt: badge},
	})
	if err != nil {
		t.Fatalf("NewEntityManager: %v", err)
	}

	row := MapRecord([]string{"person_name"}, map[string]any{"person_name": "Ada"})
	ent, err := m.ProcessRow(context.Background(), "E1", row)
	if err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	if ent.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved", ent.Status)
	}
	// The badge resolver saw the person_id resolved moments earlier.
	if v, ok := ent.Resolved("person_id"); !ok || v != int64(7) {
		t.Errorf("person_id = %v, %v", v, ok)
	}
	if v, ok := ent.Resolved("badge"); !ok || v != "A-77" {
		t.Errorf("badge = %v, %v", v, ok)
	}
}

func TestEntityManagerRetriesPending(t *testing.T) {
	c := testDB(t).Cursor()
	person, _ := identityStmts(t, c)

	m, err := NewEntityManager("source_id", []Resolver{{Name: "person_id", Stmt: person}})
	if err != nil {
		t.Fatalf("NewEntityManager: %v", err)
	}
	ctx := context.Background()
	row := MapRecord([]string{"person_name"}, map[string]any{"person_name": "Grace"})

	ent, err := m.ProcessRow(ctx, "E2", row)
	if err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	if ent.Status != StatusPending {
		t.Fatalf("status = %s, want pending", ent.Status)
	}

	// The internal system learns about Grace; the next encounter
	// resolves.
	mustExec(t, c, "INSERT INTO person_ids VALUES ('Grace', 8)", nil)
	ent, err = m.ProcessRow(ctx, "E2", row)
	if err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	if v, ok := ent.Resolved("person_id"); !ok || v != int64(8) {
		t.Fatalf("person_id = %v, %v", v, ok)
	}

	// Identical input again changes nothing.
	before, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := m.ProcessRow(ctx, "E2", row)
	if err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	after, err := json.Marshal(again)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("repeat run changed the entity: %s vs %s", before, after)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestEntityManagerResolverError(t *testing.T) {
	c := testDB(t).Cursor()
	broken, err := c.Prepare("SELECT x FROM nope WHERE id = :source_id")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	m, err := NewEntityManager("source_id", []Resolver{{Name: "x", Stmt: broken}})
	if err != nil {
		t.Fatalf("NewEntityManager: %v", err)
	}

	ent, err := m.ProcessRow(context.Background(), "E9", nil)
	if err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	if ent.Status != StatusError {
		t.Fatalf("status = %s, want error", ent.Status)
	}
	if len(ent.Notes) != 1 || ent.Notes[0].Field != "x" || ent.Notes[0].Stage != "resolve" {
		t.Fatalf("notes = %+v", ent.Notes)
	}

	// Errored secondaries do not retry.
	ent, err = m.ProcessRow(context.Background(), "E9", nil)
	if err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	if len(ent.Notes) != 1 {
		t.Errorf("error note duplicated: %+v", ent.Notes)
	}
}

func TestEntityManagerSaveLoad(t *testing.T) {
	c := testDB(t).Cursor()
	person, _ := identityStmts(t, c)
	mustExec(t, c, "INSERT INTO person_ids VALUES ('Ada', 7)", nil)

	m, err := NewEntityManager("source_id", []Resolver{{Name: "person_id", Stmt: person}})
	if err != nil {
		t.Fatalf("NewEntityManager: %v", err)
	}
	ctx := context.Background()
	ada := MapRecord([]string{"person_name"}, map[string]any{"person_name": "Ada"})
	grace := MapRecord([]string{"person_name"}, map[string]any{"person_name": "Grace"})
	if _, err := m.ProcessRow(ctx, "E1", ada); err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	if _, err := m.ProcessRow(ctx, "E2", grace); err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	m.Skip("E3", "out of region")

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}

	fresh, err := NewEntityManager("source_id", []Resolver{{Name: "person_id", Stmt: person}})
	if err != nil {
		t.Fatalf("NewEntityManager: %v", err)
	}
	if err := fresh.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	counts := fresh.StatusCounts()
	want := map[EntityStatus]int{StatusResolved: 1, StatusPending: 1, StatusSkipped: 1}
	if !reflect.DeepEqual(counts, want) {
		t.Fatalf("counts = %v, want %v", counts, want)
	}
	if v, ok := fresh.Get("E1").Resolved("person_id"); !ok || asString(v) != "7" {
		t.Errorf("E1 person_id = %v, %v", v, ok)
	}

	// A second save emits the same entities byte for byte.
	path2 := filepath.Join(dir, "state2.json")
	if err := fresh.Save(path2); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !reflect.DeepEqual(entitiesJSON(t, path), entitiesJSON(t, path2)) {
		t.Error("entity state drifted across save/load/save")
	}

	// The import resumes: the pending entity resolves on re-encounter.
	mustExec(t, c, "INSERT INTO person_ids VALUES ('Grace', 8)", nil)
	ent, err := fresh.ProcessRow(ctx, "E2", grace)
	if err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	if ent.Status != StatusResolved {
		t.Errorf("resumed entity status = %s", ent.Status)
	}
}

func entitiesJSON(t *testing.T, path string) any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return doc["entities"]
}

func TestEntityManagerLoadMismatch(t *testing.T) {
	c := testDB(t).Cursor()
	person, _ := identityStmts(t, c)

	m, err := NewEntityManager("source_id", []Resolver{{Name: "person_id", Stmt: person}})
	if err != nil {
		t.Fatalf("NewEntityManager: %v", err)
	}
	path := filepath.Join(t.TempDir(), "state.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	other, err := NewEntityManager("other_key", []Resolver{{Name: "person_id", Stmt: person}})
	if err != nil {
		t.Fatalf("NewEntityManager: %v", err)
	}
	if err := other.Load(path); err == nil || !strings.Contains(err.Error(), "keyed by") {
		t.Fatalf("err = %v", err)
	}
}

func TestEntityManagerConstruction(t *testing.T) {
	c := testDB(t).Cursor()
	person, _ := identityStmts(t, c)

	if _, err := NewEntityManager("", nil); err == nil {
		t.Error("empty primary key accepted")
	}
	if _, err := NewEntityManager("id", []Resolver{{Name: "", Stmt: person}}); err == nil {
		t.Error("unnamed resolver accepted")
	}
	if _, err := NewEntityManager("id", []Resolver{{Name: "a", Stmt: nil}}); err == nil {
		t.Error("nil statement accepted")
	}
	if _, err := NewEntityManager("id", []Resolver{
		{Name: "a", Stmt: person},
		{Name: "a", Stmt: person},
	}); err == nil {
		t.Error("duplicate resolver accepted")
	}

	m, err := NewEntityManager("id", nil)
	if err != nil {
		t.Fatalf("NewEntityManager: %v", err)
	}
	if _, err := m.ProcessRow(context.Background(), nil, nil); err == nil {
		t.Error("empty primary id accepted")
	}
	// No resolvers means nothing to wait for.
	ent, err := m.ProcessRow(context.Background(), "E1", nil)
	if err != nil {
		t.Fatalf("ProcessRow: %v", err)
	}
	if ent.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", ent.Status)
	}
}

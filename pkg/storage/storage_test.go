package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exerciseStore runs the behaviour every backend must share. Keys are scoped
// under a random prefix so shared databases do not interfere.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	p := "test-" + uuid.New().String()[:8] + "/"

	if _, err := s.Get(ctx, p+"missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing): got %v, want ErrNotFound", err)
	}
	if ok, err := s.Has(ctx, p+"missing"); err != nil || ok {
		t.Fatalf("Has(missing): ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, p+"b", []byte("two")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, p+"a", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, p+"a", []byte("uno")); err != nil {
		t.Fatalf("Set (overwrite): %v", err)
	}
	if err := s.Set(ctx, "other/"+p, []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, err := s.Get(ctx, p+"a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "uno" {
		t.Errorf("Get: got %q, want %q", v, "uno")
	}
	if ok, err := s.Has(ctx, p+"b"); err != nil || !ok {
		t.Errorf("Has(b): ok=%v err=%v", ok, err)
	}

	keys, err := s.Keys(ctx, p)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{p + "a", p + "b"}) {
		t.Errorf("Keys: got %v", keys)
	}

	if err := s.Delete(ctx, p+"a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, p+"a"); err != nil {
		t.Fatalf("Delete (missing): %v", err)
	}
	if _, err := s.Get(ctx, p+"a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newTestSQLite(t))
}

func TestPostgresStore(t *testing.T) {
	exerciseStore(t, newTestPostgres(t))
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Close()

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	v, err := s.Get(context.Background(), "k")
	if err != nil || string(v) != "v" {
		t.Errorf("Get after reopen: %q, %v", v, err)
	}
}

func TestNamespace(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	a := Namespace(base, "alice")
	b := Namespace(base, "bob")

	if err := a.Set(ctx, "k", []byte("A")); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, "k", []byte("B")); err != nil {
		t.Fatal(err)
	}

	v, _ := a.Get(ctx, "k")
	if string(v) != "A" {
		t.Errorf("alice k: got %q", v)
	}
	keys, _ := b.Keys(ctx, "")
	if !reflect.DeepEqual(keys, []string{"k"}) {
		t.Errorf("bob keys: got %v", keys)
	}
	raw, _ := base.Keys(ctx, "")
	if !reflect.DeepEqual(raw, []string{"alice/k", "bob/k"}) {
		t.Errorf("base keys: got %v", raw)
	}
}

func TestAgentNamespace(t *testing.T) {
	ns := AgentNamespace(NewMemory(), "agent1qvsr89q7z63lkpxdu8ld9n74wpuv824twp9zukk")
	if ns.prefix != "agent1qvsr89q7z6/" {
		t.Errorf("prefix: got %q", ns.prefix)
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	type counter struct {
		N int `json:"n"`
	}
	if err := SetJSON(ctx, s, "c", counter{N: 3}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got counter
	if err := GetJSON(ctx, s, "c", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.N != 3 {
		t.Errorf("GetJSON: got %+v", got)
	}
	if err := GetJSON(ctx, s, "missing", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJSON(missing): got %v", err)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	s.Close()

	s, err = Open("sqlite", filepath.Join(t.TempDir(), "open.db"))
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	s.Close()

	if _, err := Open("postgres", ""); err == nil {
		t.Error("expected error for postgres without dsn")
	}
	if _, err := Open("bogus", ""); err == nil {
		t.Error("expected error for unknown driver")
	}
}

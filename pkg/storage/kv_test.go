// ABOUTME: Integration tests for the file-backed KV store
// ABOUTME: Covers persistence across reopen and file validation

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestKV(t *testing.T, path string) *KV {
	t.Helper()
	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func mustSet(t *testing.T, db *KV, key, val string) {
	t.Helper()
	err := db.Update(func(tx *Tx) error {
		return tx.Set([]byte(key), []byte(val))
	})
	if err != nil {
		t.Fatalf("Failed to set %s: %v", key, err)
	}
}

func mustGet(t *testing.T, db *KV, key string) (string, bool) {
	t.Helper()
	var out string
	var found bool
	err := db.View(func(tx *Tx) error {
		val, ok, err := tx.Get([]byte(key))
		out, found = string(val), ok
		return err
	})
	if err != nil {
		t.Fatalf("Failed to get %s: %v", key, err)
	}
	return out, found
}

func TestKVBasicOperations(t *testing.T) {
	db := openTestKV(t, filepath.Join(t.TempDir(), "basic.db"))
	defer db.Close()

	mustSet(t, db, "key1", "value1")
	mustSet(t, db, "key2", "value2")

	if val, ok := mustGet(t, db, "key1"); !ok || val != "value1" {
		t.Errorf("key1 = %q, %v", val, ok)
	}
	if val, ok := mustGet(t, db, "key2"); !ok || val != "value2" {
		t.Errorf("key2 = %q, %v", val, ok)
	}
	if _, ok := mustGet(t, db, "key3"); ok {
		t.Error("key3 should not exist")
	}
}

func TestKVPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	db := openTestKV(t, path)
	for i := 0; i < 200; i++ {
		mustSet(t, db, fmt.Sprintf("key%03d", i), fmt.Sprintf("value%d", i))
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db = openTestKV(t, path)
	defer db.Close()
	for i := 0; i < 200; i++ {
		val, ok := mustGet(t, db, fmt.Sprintf("key%03d", i))
		if !ok || val != fmt.Sprintf("value%d", i) {
			t.Fatalf("key%03d = %q, %v after reopen", i, val, ok)
		}
	}
}

func TestKVDeletePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "delete.db")
	db := openTestKV(t, path)
	mustSet(t, db, "a", "1")
	mustSet(t, db, "b", "2")
	err := db.Update(func(tx *Tx) error {
		ok, err := tx.Del([]byte("a"))
		if !ok {
			return errors.New("a was not deleted")
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db = openTestKV(t, path)
	defer db.Close()
	if _, ok := mustGet(t, db, "a"); ok {
		t.Error("deleted key came back after reopen")
	}
	if val, _ := mustGet(t, db, "b"); val != "2" {
		t.Errorf("b = %q", val)
	}
}

func TestKVRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.db")
	if err := os.WriteFile(path, make([]byte, pageSize), 0o644); err != nil {
		t.Fatal(err)
	}
	db := &KV{Path: path}
	if err := db.Open(); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Open foreign file: got %v, want ErrBadSignature", err)
	}
}

func TestKVClosed(t *testing.T) {
	db := openTestKV(t, filepath.Join(t.TempDir(), "closed.db"))
	db.Close()
	if err := db.View(func(*Tx) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("View after Close: got %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestKVLargeDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large.db")
	db := &KV{Path: path, NoSync: true}
	if err := db.Open(); err != nil {
		t.Fatal(err)
	}
	const n = 5000
	err := db.Update(func(tx *Tx) error {
		for i := 0; i < n; i++ {
			if err := tx.Set([]byte(fmt.Sprintf("key%06d", i)), []byte(fmt.Sprintf("value%d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db = openTestKV(t, path)
	defer db.Close()
	count := 0
	err = db.View(func(tx *Tx) error {
		return tx.Scan(nil, nil, false, func(_, _ []byte) (bool, error) {
			count++
			return true, nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Errorf("scanned %d keys, want %d", count, n)
	}
}

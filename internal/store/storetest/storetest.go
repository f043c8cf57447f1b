// Package storetest provides an in-memory LocalStore for tests.
package storetest

import (
	"testing"

	"github.com/Martian-dev/mailbox-sync/internal/store"
)

// New returns a migrated in-memory store closed at test cleanup.
func New(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.DriverModernc, ":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

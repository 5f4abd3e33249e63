// Package testing provides test database helpers shared across packages.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/stellarbot/stellar/internal/database"
)

// NewTestDB creates a temp-file SQLite database for testing with the schema
// for the given name applied ("registry", "tasks", "capi"). The cleanup
// function closes the connection and removes the file; using t.TempDir is
// avoided so the path survives subprocess reuse on some platforms.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}

package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/config"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/journal"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store/memstore"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// TempJournal creates a migrated journal in a temporary directory
func TempJournal(t *testing.T) *journal.Journal {
	t.Helper()

	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("Failed to create test journal: %v", err)
	}

	if _, err := j.Migrate(); err != nil {
		j.Close()
		t.Fatalf("Failed to migrate journal: %v", err)
	}

	t.Cleanup(func() {
		j.Close()
	})

	return j
}

// Config returns a configuration with default collections that does not
// touch the environment
func Config() *config.Config {
	return &config.Config{
		MongoURI:          "mongodb://localhost:27017",
		Database:          "kicherkrabbe_test",
		LogLevel:          "debug",
		Output:            "table",
		BatchSize:         500,
		LockTTL:           30 * time.Minute,
		Operator:          "tester@localhost",
		SnapshotEventName: "SNAPSHOTTED",
		Collections:       config.DefaultCollections(),
	}
}

// Doc builds a document with a string _id followed by key/value pairs
func Doc(id string, kv ...any) bson.D {
	d := bson.D{{Key: "_id", Value: id}}
	for i := 0; i+1 < len(kv); i += 2 {
		d = append(d, bson.E{Key: kv[i].(string), Value: kv[i+1]})
	}
	return d
}

// Seed inserts documents into an in-memory store collection
func Seed(t *testing.T, s *memstore.Store, collection string, docs ...any) {
	t.Helper()
	if err := s.Seed(collection, docs...); err != nil {
		t.Fatalf("Failed to seed %s: %v", collection, err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindEnvLocal_InCurrentDir(t *testing.T) {
	// Create temp directory structure
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env.local")
	if err := os.WriteFile(envPath, []byte("TEST=value"), 0644); err != nil {
		t.Fatal(err)
	}

	// Change to temp dir
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}

	result := findEnvLocal()
	if result == "" {
		t.Error("expected to find .env.local in current directory")
	}
}

func TestFindEnvLocal_InParentDir(t *testing.T) {
	// Create temp directory structure: parent/.env.local, parent/child/
	tmpDir := t.TempDir()
	childDir := filepath.Join(tmpDir, "child")
	if err := os.Mkdir(childDir, 0755); err != nil {
		t.Fatal(err)
	}
	envPath := filepath.Join(tmpDir, ".env.local")
	if err := os.WriteFile(envPath, []byte("TEST=parent"), 0644); err != nil {
		t.Fatal(err)
	}

	// Change to child dir
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(childDir); err != nil {
		t.Fatal(err)
	}

	result := findEnvLocal()
	if result == "" {
		t.Error("expected to find .env.local in parent directory")
	}
	// Resolve symlinks for comparison (macOS /var -> /private/var)
	expectedResolved, _ := filepath.EvalSymlinks(envPath)
	resultResolved, _ := filepath.EvalSymlinks(result)
	if resultResolved != expectedResolved {
		t.Errorf("expected %s, got %s", expectedResolved, resultResolved)
	}
}

func TestFindEnvLocal_InGrandparentDir(t *testing.T) {
	// Create: grandparent/.env.local, grandparent/parent/child/
	tmpDir := t.TempDir()
	parentDir := filepath.Join(tmpDir, "parent")
	childDir := filepath.Join(parentDir, "child")
	if err := os.MkdirAll(childDir, 0755); err != nil {
		t.Fatal(err)
	}
	envPath := filepath.Join(tmpDir, ".env.local")
	if err := os.WriteFile(envPath, []byte("TEST=grandparent"), 0644); err != nil {
		t.Fatal(err)
	}

	// Change to grandchild dir
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(childDir); err != nil {
		t.Fatal(err)
	}

	result := findEnvLocal()
	if result == "" {
		t.Error("expected to find .env.local in grandparent directory")
	}
	// Resolve symlinks for comparison (macOS /var -> /private/var)
	expectedResolved, _ := filepath.EvalSymlinks(envPath)
	resultResolved, _ := filepath.EvalSymlinks(result)
	if resultResolved != expectedResolved {
		t.Errorf("expected %s, got %s", expectedResolved, resultResolved)
	}
}

func TestFindEnvLocal_ClosestWins(t *testing.T) {
	// Create: grandparent/.env.local, grandparent/parent/.env.local, grandparent/parent/child/
	tmpDir := t.TempDir()
	parentDir := filepath.Join(tmpDir, "parent")
	childDir := filepath.Join(parentDir, "child")
	if err := os.MkdirAll(childDir, 0755); err != nil {
		t.Fatal(err)
	}

	// Create .env.local in both grandparent and parent
	if err := os.WriteFile(filepath.Join(tmpDir, ".env.local"), []byte("TEST=grandparent"), 0644); err != nil {
		t.Fatal(err)
	}
	parentEnvPath := filepath.Join(parentDir, ".env.local")
	if err := os.WriteFile(parentEnvPath, []byte("TEST=parent"), 0644); err != nil {
		t.Fatal(err)
	}

	// Change to child dir
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(childDir); err != nil {
		t.Fatal(err)
	}

	result := findEnvLocal()
	// Resolve symlinks for comparison (macOS /var -> /private/var)
	expectedResolved, _ := filepath.EvalSymlinks(parentEnvPath)
	resultResolved, _ := filepath.EvalSymlinks(result)
	if resultResolved != expectedResolved {
		t.Errorf("expected closest .env.local (%s), got %s", expectedResolved, resultResolved)
	}
}

func TestFindEnvLocal_NotFound(t *testing.T) {
	// Create temp directory with no .env.local
	tmpDir := t.TempDir()

	// Change to temp dir
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}

	result := findEnvLocal()
	if result != "" {
		t.Errorf("expected empty string when no .env.local found, got %s", result)
	}
}

// isolateEnv points HOME at a temp dir and clears KK_* variables so a
// developer's own config cannot leak into the test.
func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"KK_MONGO_URI", "KK_MONGO_URI_FILE", "KK_MONGO_DATABASE", "KK_JOURNAL_PATH",
		"KK_LOG_LEVEL", "KK_OUTPUT", "KK_BATCH_SIZE", "KK_LOCK_TTL", "KK_OPERATOR",
		"KK_WEBHOOK_URL", "KK_WEBHOOK_URL_FILE", "KK_PUSHGATEWAY_URL",
	} {
		t.Setenv(key, "")
	}

	oldCwd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(oldCwd) })
	if err := os.Chdir(home); err != nil {
		t.Fatal(err)
	}
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := isolateEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MongoURI != "mongodb://localhost:27017" {
		t.Errorf("MongoURI = %q", cfg.MongoURI)
	}
	if cfg.Database != "kicherkrabbe" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if cfg.LockTTL != 30*time.Minute {
		t.Errorf("LockTTL = %s, want 30m", cfg.LockTTL)
	}
	wantJournal := filepath.Join(home, ".local", "share", "kkmigrate", "journal.db")
	if cfg.JournalPath != wantJournal {
		t.Errorf("JournalPath = %q, want %q", cfg.JournalPath, wantJournal)
	}
	if cfg.Collections.EventsPattern != "*_events" {
		t.Errorf("EventsPattern = %q", cfg.Collections.EventsPattern)
	}
	if cfg.Operator == "" {
		t.Error("Operator should default to something")
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	home := isolateEnv(t)

	dir := filepath.Join(home, ".config", "kkmigrate")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	yamlConfig := `database: shop
batch_size: 50
lock_ttl: 5m
collections:
  asset_references: assets_refs_v2
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Database != "shop" {
		t.Errorf("Database = %q, want shop", cfg.Database)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.BatchSize)
	}
	if cfg.LockTTL != 5*time.Minute {
		t.Errorf("LockTTL = %s, want 5m", cfg.LockTTL)
	}
	if cfg.Collections.AssetReferences != "assets_refs_v2" {
		t.Errorf("AssetReferences = %q", cfg.Collections.AssetReferences)
	}
	// Untouched keys keep their defaults
	if cfg.Collections.FabricLookup != "fabric_lookup" {
		t.Errorf("FabricLookup = %q, want default", cfg.Collections.FabricLookup)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := isolateEnv(t)

	path := filepath.Join(home, "custom.yaml")
	if err := os.WriteFile(path, []byte("database: from-yaml\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KK_MONGO_DATABASE", "from-env")
	t.Setenv("KK_BATCH_SIZE", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Database != "from-env" {
		t.Errorf("Database = %q, want from-env", cfg.Database)
	}
	if cfg.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want 7", cfg.BatchSize)
	}
}

func TestLoad_URIFromFile(t *testing.T) {
	home := isolateEnv(t)

	secret := filepath.Join(home, "uri")
	if err := os.WriteFile(secret, []byte("mongodb://db.internal:27017\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KK_MONGO_URI_FILE", secret)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.MongoURI != "mongodb://db.internal:27017" {
		t.Errorf("MongoURI = %q", cfg.MongoURI)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "batch size not a number", env: map[string]string{"KK_BATCH_SIZE": "many"}},
		{name: "batch size zero", env: map[string]string{"KK_BATCH_SIZE": "0"}},
		{name: "bad ttl", env: map[string]string{"KK_LOCK_TTL": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingExplicitConfig(t *testing.T) {
	home := isolateEnv(t)
	if _, err := Load(filepath.Join(home, "nope.yaml")); err == nil {
		t.Error("Load() with a missing explicit config should fail")
	}
}

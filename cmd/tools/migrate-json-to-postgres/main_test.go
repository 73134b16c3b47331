package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"rivercast/internal/config"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
	"rivercast/internal/storage"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseOptionsDSNPrecedence(t *testing.T) {
	prefixed := config.EnvName("postgres-dsn")
	cases := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{name: "flag wins", args: []string{"--postgres-dsn", "postgres://flag"}, env: map[string]string{prefixed: "postgres://env", "DATABASE_URL": "postgres://url"}, want: "postgres://flag"},
		{name: "prefixed env", env: map[string]string{prefixed: " postgres://env ", "DATABASE_URL": "postgres://url"}, want: "postgres://env"},
		{name: "database url", env: map[string]string{"DATABASE_URL": "postgres://url"}, want: "postgres://url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := parseOptions(tc.args, envMap(tc.env), io.Discard)
			if err != nil {
				t.Fatalf("parseOptions: %v", err)
			}
			if opts.dsn != tc.want {
				t.Fatalf("dsn = %q, want %q", opts.dsn, tc.want)
			}
		})
	}
}

func TestParseOptionsRequiresDSN(t *testing.T) {
	if _, err := parseOptions(nil, envMap(nil), io.Discard); err == nil {
		t.Fatal("expected an error without any DSN")
	}
	if _, err := parseOptions([]string{"--dry-run"}, envMap(nil), io.Discard); err != nil {
		t.Fatalf("dry run should not need a DSN: %v", err)
	}
}

func TestRunDryRunLoadsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	repo, err := storage.NewJSONRepository(path)
	if err != nil {
		t.Fatalf("open json repository: %v", err)
	}
	if err := repo.SaveSession(context.Background(), models.StreamSession{ID: "s1", BroadcasterID: "b1", Status: models.StatusEnded}); err != nil {
		t.Fatalf("save session: %v", err)
	}

	if err := run(context.Background(), []string{"--dry-run", "--json", path}, envMap(nil), logging.Discard()); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	corrupt := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}
	if err := run(context.Background(), []string{"--dry-run", "--json", corrupt}, envMap(nil), logging.Discard()); err == nil {
		t.Fatal("expected an error for a corrupt datastore")
	}
}

package storage

import (
	"context"
	"testing"
)

func TestNewPostgresRepositoryRequiresDSN(t *testing.T) {
	if _, err := NewPostgresRepository(context.Background(), PostgresConfig{DSN: " "}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestNewPostgresRepositoryRejectsMalformedDSN(t *testing.T) {
	if _, err := NewPostgresRepository(context.Background(), PostgresConfig{DSN: "postgres://%zz"}); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}

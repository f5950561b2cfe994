package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from the database URL: postgres:// or
// postgresql:// for Postgres, sqlite:// or file: for SQLite, empty for
// in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	raw := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(raw)
	switch {
	case raw == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgresStore(ctx, raw)
	case strings.HasPrefix(lower, "sqlite://"):
		return NewSQLiteStore(ctx, raw[len("sqlite://"):])
	case strings.HasPrefix(lower, "file:"):
		return NewSQLiteStore(ctx, raw)
	default:
		return nil, fmt.Errorf("unsupported database url scheme in %q", redactURL(raw))
	}
}

func redactURL(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		return raw[:i+3] + "..."
	}
	return "..."
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/envo/internal/session"
)

// Store persists conversation history keyed by conversation key. The persona
// pair is never stored; callers re-inject it after Load.
type Store interface {
	// Load returns the stored turns for key, or an empty sequence if absent.
	Load(ctx context.Context, key string) ([]session.Turn, error)
	// Save replaces the stored turns for key (insert-or-replace).
	Save(ctx context.Context, key string, turns []session.Turn) error
	// Delete removes the history for key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	Mode() string
	Close() error
}

func encodeTurns(turns []session.Turn) ([]byte, error) {
	if turns == nil {
		turns = []session.Turn{}
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("encode turns: %w", err)
	}
	return raw, nil
}

func decodeTurns(raw []byte) ([]session.Turn, error) {
	if len(raw) == 0 {
		return []session.Turn{}, nil
	}
	var turns []session.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	return turns, nil
}

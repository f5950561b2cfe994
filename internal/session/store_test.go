package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateSeedsPersonaPair(t *testing.T) {
	persona := DefaultPersona()
	st := NewStore(persona, 10, time.Hour)

	for _, key := range []string{"1", "-100200300", "chat-x"} {
		turns := st.GetOrCreate(key).Turns()
		require.Len(t, turns, 2)
		assert.Equal(t, RoleUser, turns[0].Role)
		assert.Equal(t, persona.Instructions, turns[0].Text())
		assert.Equal(t, RoleModel, turns[1].Role)
		assert.Equal(t, persona.Acknowledgment, turns[1].Text())
	}
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	st := NewStore(DefaultPersona(), 10, time.Hour)
	a := st.GetOrCreate("42")
	b := st.GetOrCreate("42")
	assert.Same(t, a, b)
	assert.Equal(t, 1, st.Len())
}

func TestForgetThenRecreateIsFresh(t *testing.T) {
	st := NewStore(DefaultPersona(), 10, time.Hour)
	s := st.GetOrCreate("42")
	for i := 0; i < 2; i++ {
		err := s.Exchange(func(history []Turn) ([]Turn, error) {
			return []Turn{
				TextTurn(RoleUser, fmt.Sprintf("q%d", i)),
				TextTurn(RoleModel, fmt.Sprintf("a%d", i)),
			}, nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 6, s.Len())

	assert.True(t, st.Forget("42"))
	assert.False(t, st.Forget("42"))

	fresh := st.GetOrCreate("42")
	assert.NotSame(t, s, fresh)
	assert.Equal(t, 2, fresh.Len())
}

func TestExchangeErrorLeavesTurnsUnchanged(t *testing.T) {
	st := NewStore(DefaultPersona(), 10, time.Hour)
	s := st.GetOrCreate("k")
	err := s.Exchange(func(history []Turn) ([]Turn, error) {
		return []Turn{TextTurn(RoleUser, "lost")}, errors.New("backend down")
	})
	require.Error(t, err)
	assert.Equal(t, 2, s.Len())
}

func TestExchangeHistoryIsACopy(t *testing.T) {
	st := NewStore(DefaultPersona(), 10, time.Hour)
	s := st.GetOrCreate("k")
	require.NoError(t, s.Exchange(func(history []Turn) ([]Turn, error) {
		history[0].Parts[0].Text = "mutated"
		return nil, nil
	}))
	assert.Equal(t, DefaultPersona().Instructions, s.Turns()[0].Text())
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	st := NewStore(DefaultPersona(), 2, time.Hour)
	var evicted []string
	st.SetEvictHook(func(key string, reason EvictReason) {
		assert.Equal(t, EvictCapacity, reason)
		evicted = append(evicted, key)
	})

	st.GetOrCreate("a")
	st.GetOrCreate("b")
	st.GetOrCreate("a") // a is now most recent
	st.GetOrCreate("c")

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, st.Keys())
}

func TestIdleSessionsExpire(t *testing.T) {
	st := NewStore(DefaultPersona(), 10, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	var mu sync.Mutex
	var expired []string
	st.SetEvictHook(func(key string, reason EvictReason) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, EvictIdle, reason)
		expired = append(expired, key)
	})

	st.GetOrCreate("old")
	now = now.Add(50 * time.Second)
	st.GetOrCreate("young")
	now = now.Add(20 * time.Second)

	assert.Equal(t, 1, st.expireIdle())
	assert.Equal(t, []string{"old"}, expired)
	_, ok := st.Get("young")
	assert.True(t, ok)
}

func TestGetOrCreateReplacesIdleSession(t *testing.T) {
	st := NewStore(DefaultPersona(), 10, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	first := st.GetOrCreate("k")
	now = now.Add(2 * time.Minute)
	second := st.GetOrCreate("k")
	assert.NotSame(t, first, second)
}

func TestConcurrentExchangesOnDistinctKeys(t *testing.T) {
	const n = 64
	st := NewStore(DefaultPersona(), n, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("chat-%d", i)
			err := st.GetOrCreate(key).Exchange(func([]Turn) ([]Turn, error) {
				return []Turn{
					TextTurn(RoleUser, "q-"+key),
					TextTurn(RoleModel, "a-"+key),
				}, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("chat-%d", i)
		s, ok := st.Get(key)
		require.True(t, ok)
		turns := s.Turns()
		require.Len(t, turns, 4)
		assert.Equal(t, "q-"+key, turns[2].Text())
		assert.Equal(t, "a-"+key, turns[3].Text())
	}
}

func TestLoadPersonaFallsBackPerField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instructions: Be terse.\n"), 0o600))

	p, err := LoadPersona(path)
	require.NoError(t, err)
	assert.Equal(t, "Be terse.", p.Instructions)
	assert.Equal(t, DefaultPersona().Acknowledgment, p.Acknowledgment)

	_, err = LoadPersona(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown key")
	}

	m.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := m.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Errorf("expected hit with v, got %q %v", got, ok)
	}

	m.Delete(ctx, "k")
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("expected miss after delete")
	}

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	m.Clear(ctx)
	if m.Len() != 0 {
		t.Errorf("expected empty store after clear, got %d", m.Len())
	}
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	m.Set(ctx, "k", []byte("v"), 5*time.Minute)
	now = now.Add(4 * time.Minute)
	if _, ok := m.Get(ctx, "k"); !ok {
		t.Error("expected hit before ttl")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("expected miss after ttl")
	}
	if m.Len() != 0 {
		t.Error("expected expired entry to be removed lazily")
	}
}

func TestMemoryPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	m.Set(ctx, "short", []byte("1"), time.Second)
	m.Set(ctx, "long", []byte("2"), time.Hour)
	now = now.Add(time.Minute)
	m.purge()

	if m.Len() != 1 {
		t.Fatalf("expected 1 entry after purge, got %d", m.Len())
	}
	if _, ok := m.Get(ctx, "long"); !ok {
		t.Error("expected long lived entry to survive purge")
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"E11.9", "E11.65"}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := Load(ctx, m, "codes", time.Minute, load)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 || got[0] != "E11.9" {
			t.Errorf("unexpected value %v", got)
		}
	}
	if calls != 1 {
		t.Errorf("expected loader to run once, ran %d times", calls)
	}
}

func TestLoadErrorNotCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("upstream down")
	calls := 0

	_, err := Load(ctx, m, "k", time.Minute, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}

	got, err := Load(ctx, m, "k", time.Minute, func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("expected 42, got %d %v", got, err)
	}
	if calls != 2 {
		t.Errorf("expected two loader calls, got %d", calls)
	}
}

func TestLoadCorruptEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	m.Set(ctx, "k", []byte("{not json"), time.Minute)

	got, err := Load(ctx, m, "k", time.Minute, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Errorf("expected reload after corrupt entry, got %d %v", got, err)
	}
}

func TestLoadNilStore(t *testing.T) {
	t.Parallel()

	got, err := Load(context.Background(), nil, "k", time.Minute, func(context.Context) (string, error) {
		return "direct", nil
	})
	if err != nil || got != "direct" {
		t.Errorf("expected direct load, got %q %v", got, err)
	}
}

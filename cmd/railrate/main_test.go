package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-finance/railrate/internal/bus"
	"github.com/opensource-finance/railrate/internal/cache"
	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/tables"
)

func loadedSnapshot(t *testing.T) *tables.Snapshot {
	t.Helper()
	repo := tables.NewRepository(tables.NewMemorySource(&domain.RawTable{
		Name:   tables.WeightClassification,
		Header: []string{"Länge", "Gewicht", "Gewichtsklasse"},
		Rows:   [][]any{{"20", "-", "20A"}},
	}))
	if err := repo.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return repo.Current()
}

func TestSwapHook(t *testing.T) {
	ctx := context.Background()
	snap := loadedSnapshot(t)

	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	events := make(chan map[string]any, 4)
	if _, err := eventBus.Subscribe(ctx, domain.TopicTablesReloaded, func(ctx context.Context, msg *domain.Message) error {
		var event map[string]any
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return err
		}
		events <- event
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	t.Run("CacheDisabled", func(t *testing.T) {
		disabled, err := cache.New(domain.CacheConfig{Type: "none"})
		if err != nil {
			t.Fatalf("cache.New failed: %v", err)
		}
		swapHook(disabled, eventBus)(ctx, nil, snap)

		select {
		case event := <-events:
			if event["revision"] != snap.Revision {
				t.Errorf("expected revision %s, got %v", snap.Revision, event["revision"])
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected a tables.reloaded event")
		}
	})

	t.Run("PurgesLocalCache", func(t *testing.T) {
		lru := cache.NewLRUCache(10)
		defer lru.Close()
		if err := lru.Set(ctx, "rating:old:x", []byte("{}"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		swapHook(lru, eventBus)(ctx, snap, snap)

		if size, _ := lru.Stats(); size != 0 {
			t.Errorf("expected purged cache, got %d entries", size)
		}
		select {
		case event := <-events:
			if event["previousRevision"] != snap.Revision {
				t.Errorf("expected previous revision, got %v", event["previousRevision"])
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected a tables.reloaded event")
		}
	})
}

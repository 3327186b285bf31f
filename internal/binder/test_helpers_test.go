package binder

import (
	"fmt"
	"testing"
	"time"
)

var testClockStart = time.Unix(1700000600, 0).UTC()

type staticIDGenerator struct {
	prefix string
	index  int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.index++
	return fmt.Sprintf("%s-%d", g.prefix, g.index), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Clock:      func() time.Time { return testClockStart },
		IDProvider: &staticIDGenerator{prefix: "change"},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func newTestBinder(t *testing.T, store *Store) Binder {
	t.Helper()
	created, err := store.CreateBinder("binder-1", LocalOwnerID, "Test Binder", GridSize3x3)
	if err != nil {
		t.Fatalf("failed to create binder: %v", err)
	}
	return created
}

func testCard(cardID string) CardInstance {
	return CardInstance{
		InstanceID: "inst-" + cardID,
		CardID:     cardID,
		CardData:   CardData{Name: cardID},
		AddedAt:    testClockStart,
	}
}

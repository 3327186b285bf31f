package binder

import "testing"

func TestBinderPagesFor(t *testing.T) {
	tests := []struct {
		cardPages int
		expected  int
	}{
		{cardPages: 0, expected: 1},
		{cardPages: 1, expected: 1},
		{cardPages: 2, expected: 2},
		{cardPages: 3, expected: 2},
		{cardPages: 4, expected: 3},
		{cardPages: 5, expected: 3},
		{cardPages: 6, expected: 4},
	}
	for _, tt := range tests {
		if got := BinderPagesFor(tt.cardPages); got != tt.expected {
			t.Fatalf("BinderPagesFor(%d) = %d, want %d", tt.cardPages, got, tt.expected)
		}
	}
}

func TestCardPagesFor(t *testing.T) {
	tests := []struct {
		maxPosition  int
		cardsPerPage int
		expected     int
	}{
		{maxPosition: -1, cardsPerPage: 9, expected: 0},
		{maxPosition: 0, cardsPerPage: 9, expected: 1},
		{maxPosition: 8, cardsPerPage: 9, expected: 1},
		{maxPosition: 9, cardsPerPage: 9, expected: 2},
		{maxPosition: 11, cardsPerPage: 9, expected: 2},
		{maxPosition: 11, cardsPerPage: 16, expected: 1},
		{maxPosition: 15, cardsPerPage: 16, expected: 1},
		{maxPosition: 16, cardsPerPage: 16, expected: 2},
	}
	for _, tt := range tests {
		if got := CardPagesFor(tt.maxPosition, tt.cardsPerPage); got != tt.expected {
			t.Fatalf("CardPagesFor(%d, %d) = %d, want %d", tt.maxPosition, tt.cardsPerPage, got, tt.expected)
		}
	}
}

func TestGridSizeCardsPerPage(t *testing.T) {
	tests := []struct {
		grid     GridSize
		expected int
	}{
		{grid: GridSize1x1, expected: 1},
		{grid: GridSize2x2, expected: 4},
		{grid: GridSize3x3, expected: 9},
		{grid: GridSize4x3, expected: 12},
		{grid: GridSize4x4, expected: 16},
		{grid: GridSize("unknown"), expected: 9},
	}
	for _, tt := range tests {
		if got := tt.grid.CardsPerPage(); got != tt.expected {
			t.Fatalf("CardsPerPage(%s) = %d, want %d", tt.grid, got, tt.expected)
		}
	}
}

func TestCardPageCapacityInvertsBinderPages(t *testing.T) {
	for cardPages := 0; cardPages <= 20; cardPages++ {
		binderPages := BinderPagesFor(cardPages)
		if capacity := cardPageCapacity(binderPages); capacity < cardPages && cardPages > 0 {
			t.Fatalf("capacity %d of %d binder pages cannot hold %d card pages", capacity, binderPages, cardPages)
		}
	}
}

func TestRequiredBinderPagesGridResize(t *testing.T) {
	store := newTestStore(t)
	b := newTestBinder(t, store)
	position := 11
	b = store.AddCard(b, testCard("base1-4"), &position, "user-1")

	// 3x3: position 11 lands on card-page 2, which needs binder page 2.
	if b.Settings.PageCount != 2 {
		t.Fatalf("expected page count 2 on 3x3 grid, got %d", b.Settings.PageCount)
	}

	// 4x4: the same position fits on card-page 1.
	resized, err := store.UpdateGridSize(b, GridSize4x4, "user-1")
	if err != nil {
		t.Fatalf("unexpected grid resize error: %v", err)
	}
	if resized.Settings.PageCount != 1 {
		t.Fatalf("expected page count 1 on 4x4 grid, got %d", resized.Settings.PageCount)
	}
}

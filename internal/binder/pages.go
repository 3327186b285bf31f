package binder

import (
	"fmt"
	"strings"
)

// GridSize identifies the grid geometry of a binder page.
type GridSize string

const (
	GridSize1x1 GridSize = "1x1"
	GridSize2x2 GridSize = "2x2"
	GridSize3x3 GridSize = "3x3"
	GridSize4x3 GridSize = "4x3"
	GridSize4x4 GridSize = "4x4"
)

// DefaultGridSize is the geometry assigned when none is configured.
const DefaultGridSize = GridSize3x3

const (
	// DefaultMinPages is the lower page-count bound for new binders.
	DefaultMinPages = 1
	// DefaultMaxPages is the upper page-count bound for new binders.
	DefaultMaxPages = 50
)

// ParseGridSize validates a raw grid geometry identifier.
func ParseGridSize(value string) (GridSize, error) {
	switch GridSize(strings.ToLower(strings.TrimSpace(value))) {
	case GridSize1x1:
		return GridSize1x1, nil
	case GridSize2x2:
		return GridSize2x2, nil
	case GridSize3x3:
		return GridSize3x3, nil
	case GridSize4x3:
		return GridSize4x3, nil
	case GridSize4x4:
		return GridSize4x4, nil
	default:
		return "", fmt.Errorf("binder: unknown grid size %q", value)
	}
}

// CardsPerPage returns the number of slots on one card-page for the geometry.
// Unknown geometries fall back to the default grid rather than zero, so page
// arithmetic never divides by zero on legacy documents.
func (g GridSize) CardsPerPage() int {
	switch g {
	case GridSize1x1:
		return 1
	case GridSize2x2:
		return 4
	case GridSize3x3:
		return 9
	case GridSize4x3:
		return 12
	case GridSize4x4:
		return 16
	default:
		return DefaultGridSize.CardsPerPage()
	}
}

// CardPagesFor returns how many card-pages are needed to reach the given
// occupied position. A binder with no cards needs zero card-pages.
func CardPagesFor(maxOccupiedPosition, cardsPerPage int) int {
	if maxOccupiedPosition < 0 || cardsPerPage <= 0 {
		return 0
	}
	return (maxOccupiedPosition + cardsPerPage) / cardsPerPage
}

// BinderPagesFor converts logical card-pages into physical binder pages.
// Binder page 1 holds the cover plus one card-page; every subsequent binder
// page holds two card-pages (a double spread).
func BinderPagesFor(cardPages int) int {
	if cardPages <= 1 {
		return 1
	}
	return 1 + cardPages/2 // 1 + ceil((cardPages-1)/2)
}

// RequiredBinderPages computes the minimum page count that fits every
// occupied position of the binder under its current geometry.
func RequiredBinderPages(b Binder) int {
	maxPosition, occupied := b.MaxOccupiedPosition()
	if !occupied {
		return 1
	}
	cardPages := CardPagesFor(maxPosition, b.Settings.GridSize.CardsPerPage())
	return BinderPagesFor(cardPages)
}

// cardPageCapacity returns how many card-pages the given binder page count
// exposes: the inverse direction of BinderPagesFor.
func cardPageCapacity(binderPages int) int {
	if binderPages <= 1 {
		return 1
	}
	return 1 + (binderPages-1)*2
}

func clampPages(pages, minPages, maxPages int) int {
	if minPages > 0 && pages < minPages {
		pages = minPages
	}
	if maxPages > 0 && pages > maxPages {
		pages = maxPages
	}
	return pages
}

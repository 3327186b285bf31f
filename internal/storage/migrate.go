package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cardfolio/backend/internal/binder"
)

// ErrInvalidDocument indicates a persisted binder document that cannot be
// upgraded to the current schema.
var ErrInvalidDocument = errors.New("storage: invalid binder document")

type rawDocument struct {
	ID             string                `json:"id"`
	OwnerID        string                `json:"ownerId"`
	SchemaVersion  int                   `json:"schemaVersion"`
	Version        int64                 `json:"version"`
	LastModified   json.RawMessage       `json:"lastModified"`
	LastModifiedBy string                `json:"lastModifiedBy"`
	Sync           *binder.SyncState     `json:"sync"`
	Metadata       *binder.Metadata      `json:"metadata"`
	Settings       *binder.Settings      `json:"settings"`
	Cards          json.RawMessage       `json:"cards"`
	Changelog      []binder.ChangeRecord `json:"changelog"`
}

// MigrateDocument upgrades a persisted binder document of any historical
// shape to the current schema. The migration is one-way, idempotent, and a
// pure function of its input: already-migrated documents pass through
// unchanged, legacy array-based card lists become the position map (index =
// position), missing settings/sync substructures gain defaults, and the page
// count is recalculated from the occupied positions.
func MigrateDocument(raw []byte) (binder.Binder, error) {
	var document rawDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return binder.Binder{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if strings.TrimSpace(document.ID) == "" {
		return binder.Binder{}, fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}

	migrated := binder.Binder{
		ID:             strings.TrimSpace(document.ID),
		OwnerID:        document.OwnerID,
		SchemaVersion:  binder.CurrentSchemaVersion,
		Version:        document.Version,
		LastModifiedBy: document.LastModifiedBy,
		Changelog:      document.Changelog,
	}
	if migrated.OwnerID == "" {
		migrated.OwnerID = binder.LocalOwnerID
	}
	if migrated.Version < 1 {
		migrated.Version = 1
	}
	if len(document.LastModified) > 0 && string(document.LastModified) != "null" {
		if err := json.Unmarshal(document.LastModified, &migrated.LastModified); err != nil {
			return binder.Binder{}, fmt.Errorf("%w: bad lastModified: %v", ErrInvalidDocument, err)
		}
	}

	cards, err := migrateCards(document.Cards)
	if err != nil {
		return binder.Binder{}, err
	}
	migrated.Cards = cards

	migrated.Settings = migrateSettings(document.Settings, migrated)
	migrated.Sync = migrateSync(document.Sync)
	migrated.Metadata = migrateMetadata(document.Metadata, migrated)

	return migrated, nil
}

// migrateCards accepts both the current position map and the legacy array
// form, where the array index was the slot position and gaps were nulls.
func migrateCards(raw json.RawMessage) (map[string]binder.CardInstance, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]binder.CardInstance{}, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var legacy []*binder.CardInstance
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("%w: bad legacy card list: %v", ErrInvalidDocument, err)
		}
		cards := make(map[string]binder.CardInstance, len(legacy))
		for index, card := range legacy {
			if card == nil || card.CardID == "" {
				continue
			}
			cards[binder.PositionKey(index)] = *card
		}
		return cards, nil
	}

	var current map[string]binder.CardInstance
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, fmt.Errorf("%w: bad card map: %v", ErrInvalidDocument, err)
	}
	cards := make(map[string]binder.CardInstance, len(current))
	for key, card := range current {
		position, err := binder.ParsePosition(key)
		if err != nil {
			continue
		}
		cards[binder.PositionKey(position)] = card
	}
	return cards, nil
}

func migrateSettings(settings *binder.Settings, migrated binder.Binder) binder.Settings {
	next := binder.Settings{
		GridSize: binder.DefaultGridSize,
		MinPages: binder.DefaultMinPages,
		MaxPages: binder.DefaultMaxPages,
	}
	if settings != nil {
		next = *settings
		if parsed, err := binder.ParseGridSize(string(settings.GridSize)); err == nil {
			next.GridSize = parsed
		} else {
			next.GridSize = binder.DefaultGridSize
		}
		if next.MinPages < 1 {
			next.MinPages = binder.DefaultMinPages
		}
		if next.MaxPages < next.MinPages {
			next.MaxPages = binder.DefaultMaxPages
		}
	}

	migrated.Settings = next
	required := binder.RequiredBinderPages(migrated)
	if next.PageCount < required {
		next.PageCount = required
	}
	if next.PageCount < next.MinPages {
		next.PageCount = next.MinPages
	}
	return next
}

func migrateSync(sync *binder.SyncState) binder.SyncState {
	if sync == nil {
		return binder.SyncState{Status: binder.SyncStatusLocal}
	}
	next := *sync
	if _, err := binder.ParseSyncStatus(string(next.Status)); err != nil {
		next.Status = binder.SyncStatusLocal
	}
	return next
}

func migrateMetadata(metadata *binder.Metadata, migrated binder.Binder) binder.Metadata {
	if metadata == nil {
		return binder.Metadata{CreatedAt: migrated.LastModified}
	}
	next := *metadata
	if next.CreatedAt.IsZero() {
		next.CreatedAt = migrated.LastModified
	}
	return next
}

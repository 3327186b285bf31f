package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cardfolio/backend/internal/binder"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// defaultBatchWriteLimit bounds how many card rows a single batch statement
// touches, staying below the host store's per-batch write ceiling.
const defaultBatchWriteLimit = 450

var errMissingDatabase = errors.New("database handle is required")

// BinderDocument stores the binder core (everything except the card mapping)
// as one remote document row.
type BinderDocument struct {
	DocKey           string `gorm:"column:doc_key;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_cloud_binders_owner,priority:1"`
	BinderID         string `gorm:"column:binder_id;size:190;not null"`
	CoreJSON         string `gorm:"column:core_json;type:text;not null"`
	CardCount        int    `gorm:"column:card_count;not null;default:0"`
	IsArchived       bool   `gorm:"column:is_archived;not null;default:false;index:idx_cloud_binders_owner,priority:2"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BinderDocument) TableName() string {
	return "cloud_binders"
}

// BinderCardRow stores one card instance in the auxiliary partition keyed by
// document and position, so large collections stay below per-document size
// limits.
type BinderCardRow struct {
	DocKey   string `gorm:"column:doc_key;primaryKey;size:190;not null"`
	Position int    `gorm:"column:position;primaryKey;not null"`
	CardJSON string `gorm:"column:card_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BinderCardRow) TableName() string {
	return "cloud_binder_cards"
}

// GormStoreConfig describes the dependencies of the GORM-backed store.
type GormStoreConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Logger          *zap.Logger
	BatchWriteLimit int
}

// GormStore is a DocumentStore backed by a relational database. Card
// mappings live in an auxiliary partition; reads reassemble the full binder
// and writes diff existing against new positions to issue both upserts and
// deletions, chunked below the batch write ceiling.
type GormStore struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	notifier   *storeNotifier
	batchLimit int
}

// NewGormStore constructs a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchLimit := cfg.BatchWriteLimit
	if batchLimit <= 0 {
		batchLimit = defaultBatchWriteLimit
	}
	return &GormStore{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		notifier:   newStoreNotifier(),
		batchLimit: batchLimit,
	}, nil
}

// Get loads and reassembles one binder document.
func (s *GormStore) Get(ctx context.Context, key DocumentKey) (binder.Binder, error) {
	var document BinderDocument
	err := s.db.WithContext(ctx).Where("doc_key = ?", key.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return binder.Binder{}, &NotFoundError{Key: key}
	}
	if err != nil {
		return binder.Binder{}, fmt.Errorf("cloud: load document %s: %w", key, err)
	}
	return s.assemble(ctx, document)
}

// Put overwrites the binder document, diffing the card partition against the
// stored rows.
func (s *GormStore) Put(ctx context.Context, key DocumentKey, b binder.Binder) error {
	core := b.Clone()
	core.Cards = nil
	coreJSON, err := json.Marshal(core)
	if err != nil {
		return fmt.Errorf("cloud: encode document %s: %w", key, err)
	}

	desired := make(map[int]string, len(b.Cards))
	for rawKey, card := range b.Cards {
		position, err := binder.ParsePosition(rawKey)
		if err != nil {
			continue
		}
		cardJSON, err := json.Marshal(card)
		if err != nil {
			return fmt.Errorf("cloud: encode card at %d: %w", position, err)
		}
		desired[position] = string(cardJSON)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		document := BinderDocument{
			DocKey:           key.String(),
			OwnerID:          key.OwnerID,
			BinderID:         key.BinderID,
			CoreJSON:         string(coreJSON),
			CardCount:        len(desired),
			IsArchived:       b.Metadata.IsArchived,
			Version:          b.Version,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&document).Error; err != nil {
			return err
		}

		var existing []BinderCardRow
		if err := tx.Where("doc_key = ?", key.String()).Find(&existing).Error; err != nil {
			return err
		}

		upserts := make([]BinderCardRow, 0, len(desired))
		stored := make(map[int]string, len(existing))
		for _, row := range existing {
			stored[row.Position] = row.CardJSON
		}
		for position, cardJSON := range desired {
			if storedJSON, ok := stored[position]; ok && storedJSON == cardJSON {
				continue
			}
			upserts = append(upserts, BinderCardRow{DocKey: key.String(), Position: position, CardJSON: cardJSON})
		}
		removed := make([]int, 0)
		for position := range stored {
			if _, ok := desired[position]; !ok {
				removed = append(removed, position)
			}
		}

		if len(upserts) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(upserts, s.batchLimit).Error; err != nil {
				return err
			}
		}
		for low := 0; low < len(removed); low += s.batchLimit {
			high := low + s.batchLimit
			if high > len(removed) {
				high = len(removed)
			}
			if err := tx.Where("doc_key = ? AND position IN ?", key.String(), removed[low:high]).Delete(&BinderCardRow{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return fmt.Errorf("cloud: put document %s: %w", key, txErr)
	}

	s.notifier.Publish(StoreEvent{Key: key, Version: b.Version})
	return nil
}

// Delete removes the document and its card partition. Deleting an absent
// document fails with a NotFoundError.
func (s *GormStore) Delete(ctx context.Context, key DocumentKey) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document BinderDocument
		err := tx.Where("doc_key = ?", key.String()).Take(&document).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Key: key}
		}
		if err != nil {
			return err
		}
		if err := tx.Where("doc_key = ?", key.String()).Delete(&BinderCardRow{}).Error; err != nil {
			return err
		}
		return tx.Where("doc_key = ?", key.String()).Delete(&BinderDocument{}).Error
	})
	if txErr != nil {
		var notFound *NotFoundError
		if errors.As(txErr, &notFound) {
			return txErr
		}
		return fmt.Errorf("cloud: delete document %s: %w", key, txErr)
	}

	s.notifier.Publish(StoreEvent{Key: key, Deleted: true})
	return nil
}

// Query lists the owner's binder documents, excluding archived binders
// unless asked for.
func (s *GormStore) Query(ctx context.Context, ownerID string, includeArchived bool) ([]binder.Binder, error) {
	query := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if !includeArchived {
		query = query.Where("is_archived = ?", false)
	}
	var documents []BinderDocument
	if err := query.Order("binder_id ASC").Find(&documents).Error; err != nil {
		return nil, fmt.Errorf("cloud: query documents for %s: %w", ownerID, err)
	}

	binders := make([]binder.Binder, 0, len(documents))
	for _, document := range documents {
		assembled, err := s.assemble(ctx, document)
		if err != nil {
			return nil, err
		}
		binders = append(binders, assembled)
	}
	return binders, nil
}

// Subscribe registers for change events on one document key.
func (s *GormStore) Subscribe(ctx context.Context, key DocumentKey) (<-chan StoreEvent, func()) {
	return s.notifier.Subscribe(ctx, key)
}

func (s *GormStore) assemble(ctx context.Context, document BinderDocument) (binder.Binder, error) {
	var assembled binder.Binder
	if err := json.Unmarshal([]byte(document.CoreJSON), &assembled); err != nil {
		return binder.Binder{}, fmt.Errorf("cloud: decode document %s: %w", document.DocKey, err)
	}

	var rows []BinderCardRow
	if err := s.db.WithContext(ctx).Where("doc_key = ?", document.DocKey).Find(&rows).Error; err != nil {
		return binder.Binder{}, fmt.Errorf("cloud: load cards for %s: %w", document.DocKey, err)
	}
	assembled.Cards = make(map[string]binder.CardInstance, len(rows))
	for _, row := range rows {
		var card binder.CardInstance
		if err := json.Unmarshal([]byte(row.CardJSON), &card); err != nil {
			return binder.Binder{}, fmt.Errorf("cloud: decode card %s/%d: %w", document.DocKey, row.Position, err)
		}
		assembled.Cards[binder.PositionKey(row.Position)] = card
	}
	return assembled, nil
}

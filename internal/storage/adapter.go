package storage

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

const currentBinderStateKey = "current_binder_id"

var errMissingDatabase = errors.New("database handle is required")

// LocalBinderRecord is one locally persisted binder document.
type LocalBinderRecord struct {
	BinderID         string `gorm:"column:binder_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	SchemaVersion    int    `gorm:"column:schema_version;not null;default:1"`
	DocumentJSON     string `gorm:"column:document_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalBinderRecord) TableName() string {
	return "local_binders"
}

// AppStateRecord persists small application pointers, such as the currently
// selected binder.
type AppStateRecord struct {
	Key   string `gorm:"column:state_key;primaryKey;size:64;not null"`
	Value string `gorm:"column:state_value;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AppStateRecord) TableName() string {
	return "app_state"
}

// AdapterConfig describes the dependencies of the local persistence adapter.
type AdapterConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Adapter is the durable local store for the binder collection and the
// current-binder pointer. Binders are written per document rather than as
// one collection blob, and every loaded record passes through the schema
// migration.
type Adapter struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewAdapter constructs an Adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
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
	return &Adapter{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LoadAll returns every locally stored binder, migrated to the current
// schema. Documents that cannot be migrated are skipped with a warning
// rather than failing the whole load.
func (a *Adapter) LoadAll(ctx context.Context) ([]binder.Binder, error) {
	var records []LocalBinderRecord
	if err := a.db.WithContext(ctx).Order("binder_id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: load binders: %w", err)
	}

	binders := make([]binder.Binder, 0, len(records))
	for _, record := range records {
		migrated, err := MigrateDocument([]byte(record.DocumentJSON))
		if err != nil {
			a.logger.Warn("skipping unmigratable binder document",
				zap.String("binder_id", record.BinderID),
				zap.Error(err))
			continue
		}
		binders = append(binders, migrated)
	}
	return binders, nil
}

// LoadBinder returns one stored binder, migrated to the current schema.
func (a *Adapter) LoadBinder(ctx context.Context, binderID string) (binder.Binder, error) {
	var record LocalBinderRecord
	err := a.db.WithContext(ctx).Where("binder_id = ?", binderID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return binder.Binder{}, fmt.Errorf("storage: binder %s not found", binderID)
	}
	if err != nil {
		return binder.Binder{}, fmt.Errorf("storage: load binder %s: %w", binderID, err)
	}
	return MigrateDocument([]byte(record.DocumentJSON))
}

// SaveBinder upserts one binder document.
func (a *Adapter) SaveBinder(ctx context.Context, b binder.Binder) error {
	document, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("storage: encode binder %s: %w", b.ID, err)
	}
	record := LocalBinderRecord{
		BinderID:         b.ID,
		OwnerID:          b.OwnerID,
		SchemaVersion:    b.SchemaVersion,
		DocumentJSON:     string(document),
		UpdatedAtSeconds: a.clock().UTC().Unix(),
	}
	if err := a.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("storage: save binder %s: %w", b.ID, err)
	}
	return nil
}

// DeleteBinder removes one binder document and clears the current pointer if
// it referenced the deleted binder.
func (a *Adapter) DeleteBinder(ctx context.Context, binderID string) error {
	if err := a.db.WithContext(ctx).Where("binder_id = ?", binderID).Delete(&LocalBinderRecord{}).Error; err != nil {
		return fmt.Errorf("storage: delete binder %s: %w", binderID, err)
	}
	current, err := a.CurrentBinderID(ctx)
	if err != nil {
		return err
	}
	if current == binderID {
		return a.SetCurrentBinderID(ctx, "")
	}
	return nil
}

// CurrentBinderID returns the last-viewed binder pointer, or empty when no
// binder is selected.
func (a *Adapter) CurrentBinderID(ctx context.Context) (string, error) {
	var record AppStateRecord
	err := a.db.WithContext(ctx).Where("state_key = ?", currentBinderStateKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: load current binder pointer: %w", err)
	}
	return record.Value, nil
}

// SetCurrentBinderID stores the last-viewed binder pointer. An empty id
// clears the pointer.
func (a *Adapter) SetCurrentBinderID(ctx context.Context, binderID string) error {
	if binderID == "" {
		if err := a.db.WithContext(ctx).Where("state_key = ?", currentBinderStateKey).Delete(&AppStateRecord{}).Error; err != nil {
			return fmt.Errorf("storage: clear current binder pointer: %w", err)
		}
		return nil
	}
	record := AppStateRecord{Key: currentBinderStateKey, Value: binderID}
	if err := a.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("storage: save current binder pointer: %w", err)
	}
	return nil
}

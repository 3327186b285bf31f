package binder

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LocalOwnerID is the sentinel owner for binders not yet claimed by an
// authenticated principal.
const LocalOwnerID = "local_user"

// CurrentSchemaVersion identifies the persisted document shape produced by
// this package. Loaders upgrade older shapes via storage.MigrateDocument.
const CurrentSchemaVersion = 2

const maxIdentifierLength = 190

var (
	// ErrInvalidBinderID indicates that a binder identifier is empty or exceeds storage bounds.
	ErrInvalidBinderID = errors.New("binder: invalid binder id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("binder: invalid actor id")
)

// BinderID represents a validated binder identifier.
type BinderID string

// NewBinderID validates raw input and returns a BinderID.
func NewBinderID(rawInput string) (BinderID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBinderID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBinderID, maxIdentifierLength)
	}
	return BinderID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BinderID) String() string {
	return string(id)
}

// ActorID represents a validated principal identifier.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// SyncStatus enumerates the sync lifecycle states of a binder.
type SyncStatus string

const (
	// SyncStatusLocal marks a binder with mutations not yet persisted remotely.
	SyncStatusLocal SyncStatus = "local"
	// SyncStatusSynced marks a binder whose remote copy matches the local one.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPending marks a binder with a sync operation in flight.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusConflict marks a binder with an unresolved remote conflict.
	SyncStatusConflict SyncStatus = "conflict"
	// SyncStatusError marks a binder whose last sync attempt failed terminally.
	SyncStatusError SyncStatus = "error"
)

// ParseSyncStatus validates a raw status value.
func ParseSyncStatus(value string) (SyncStatus, error) {
	switch SyncStatus(strings.ToLower(strings.TrimSpace(value))) {
	case SyncStatusLocal:
		return SyncStatusLocal, nil
	case SyncStatusSynced:
		return SyncStatusSynced, nil
	case SyncStatusPending:
		return SyncStatusPending, nil
	case SyncStatusConflict:
		return SyncStatusConflict, nil
	case SyncStatusError:
		return SyncStatusError, nil
	default:
		return "", fmt.Errorf("binder: unknown sync status %q", value)
	}
}

// ChangeType enumerates the mutation kinds recorded in a binder changelog.
type ChangeType string

const (
	ChangeTypeBinderCreated    ChangeType = "binder_created"
	ChangeTypeCardAdded        ChangeType = "card_added"
	ChangeTypeCardRemoved      ChangeType = "card_removed"
	ChangeTypeCardMoved        ChangeType = "card_moved"
	ChangeTypeCardsBatchAdded  ChangeType = "cards_batch_added"
	ChangeTypeBatchMoveCards   ChangeType = "batch_move_cards"
	ChangeTypeSettingsUpdated  ChangeType = "settings_updated"
	ChangeTypePageAdded        ChangeType = "page_added"
	ChangeTypePageRemoved      ChangeType = "page_removed"
	ChangeTypePagesReordered   ChangeType = "pages_reordered"
	ChangeTypeOwnershipClaimed ChangeType = "ownership_claimed"
	ChangeTypeConflictResolved ChangeType = "conflict_resolved"
)

// ParseChangeType validates a raw change type value.
func ParseChangeType(value string) (ChangeType, error) {
	switch ChangeType(strings.TrimSpace(value)) {
	case ChangeTypeBinderCreated,
		ChangeTypeCardAdded,
		ChangeTypeCardRemoved,
		ChangeTypeCardMoved,
		ChangeTypeCardsBatchAdded,
		ChangeTypeBatchMoveCards,
		ChangeTypeSettingsUpdated,
		ChangeTypePageAdded,
		ChangeTypePageRemoved,
		ChangeTypePagesReordered,
		ChangeTypeOwnershipClaimed,
		ChangeTypeConflictResolved:
		return ChangeType(strings.TrimSpace(value)), nil
	default:
		return "", fmt.Errorf("binder: unknown change type %q", value)
	}
}

// CardData is the denormalized catalog snapshot captured when a card is
// placed, so rendering and sync never depend on catalog availability.
type CardData struct {
	Name       string   `json:"name"`
	SetName    string   `json:"setName,omitempty"`
	Number     string   `json:"number,omitempty"`
	Artist     string   `json:"artist,omitempty"`
	Rarity     string   `json:"rarity,omitempty"`
	Types      []string `json:"types,omitempty"`
	ImageSmall string   `json:"imageSmall,omitempty"`
	ImageLarge string   `json:"imageLarge,omitempty"`
}

// CardInstance is one placed copy of a catalog card.
type CardInstance struct {
	InstanceID  string    `json:"instanceId"`
	CardID      string    `json:"cardId"`
	CardData    CardData  `json:"cardData"`
	AddedAt     time.Time `json:"addedAt"`
	AddedBy     string    `json:"addedBy,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Condition   string    `json:"condition,omitempty"`
	Quantity    int       `json:"quantity,omitempty"`
	IsProtected bool      `json:"isProtected,omitempty"`
}

// ChangePayload carries the type-specific data of a change record. Fields are
// pointers where zero is a meaningful value (position 0 is the first slot).
type ChangePayload struct {
	Position      *int     `json:"position,omitempty"`
	FromPosition  *int     `json:"fromPosition,omitempty"`
	ToPosition    *int     `json:"toPosition,omitempty"`
	CardID        string   `json:"cardId,omitempty"`
	InstanceID    string   `json:"instanceId,omitempty"`
	Count         int      `json:"count,omitempty"`
	Swapped       bool     `json:"swapped,omitempty"`
	Speculative   bool     `json:"speculative,omitempty"`
	GridSize      GridSize `json:"gridSize,omitempty"`
	PageCount     int      `json:"pageCount,omitempty"`
	PageA         int      `json:"pageA,omitempty"`
	PageB         int      `json:"pageB,omitempty"`
	PreviousOwner string   `json:"previousOwner,omitempty"`
	NewOwner      string   `json:"newOwner,omitempty"`
	ConflictType  string   `json:"conflictType,omitempty"`
}

// ChangeRecord is an immutable, timestamped audit-log entry describing one
// accepted mutation.
type ChangeRecord struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      ChangeType    `json:"type"`
	UserID    string        `json:"userId"`
	Data      ChangePayload `json:"data"`
}

// ConflictType classifies the divergence between a local and a remote binder.
type ConflictType string

const (
	// ConflictVersionNewerRemote means the remote version counter is ahead.
	ConflictVersionNewerRemote ConflictType = "version_newer_remote"
	// ConflictTimestampNewerRemote means the remote was modified more recently.
	ConflictTimestampNewerRemote ConflictType = "timestamp_newer_remote"
	// ConflictContentDifferent means the card mappings differ in size.
	ConflictContentDifferent ConflictType = "content_different"
)

// ConflictDetails carries the raw values behind a conflict classification.
type ConflictDetails struct {
	LocalVersion    int64     `json:"localVersion,omitempty"`
	RemoteVersion   int64     `json:"remoteVersion,omitempty"`
	LocalModified   time.Time `json:"localModified,omitempty"`
	RemoteModified  time.Time `json:"remoteModified,omitempty"`
	LocalCardCount  int       `json:"localCardCount,omitempty"`
	RemoteCardCount int       `json:"remoteCardCount,omitempty"`
}

// ConflictDescriptor is the structured output of conflict detection.
type ConflictDescriptor struct {
	HasConflict bool            `json:"hasConflict"`
	Type        ConflictType    `json:"type,omitempty"`
	Details     ConflictDetails `json:"details"`
}

// SyncState tracks the remote-persistence metadata of a binder.
type SyncState struct {
	Status         SyncStatus          `json:"status"`
	LastSynced     *time.Time          `json:"lastSynced"`
	PendingChanges []ChangeRecord      `json:"pendingChanges"`
	ConflictData   *ConflictDescriptor `json:"conflictData,omitempty"`
	RetryCount     int                 `json:"retryCount"`
	LastError      string              `json:"lastError,omitempty"`
}

// Metadata carries display fields opaque to the sync engine except the
// archival flag, which filters cloud listings.
type Metadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	IsArchived  bool      `json:"isArchived"`
}

// Settings holds the grid geometry and page bookkeeping of a binder.
type Settings struct {
	GridSize  GridSize `json:"gridSize"`
	PageCount int      `json:"pageCount"`
	MinPages  int      `json:"minPages"`
	MaxPages  int      `json:"maxPages"`
	PageOrder []int    `json:"pageOrder,omitempty"`
}

// Binder is the top-level collection aggregate. Mutations follow an
// immutable-replace discipline: operations take a Binder by value and return
// an updated copy, leaving the input untouched.
type Binder struct {
	ID             string                  `json:"id"`
	OwnerID        string                  `json:"ownerId"`
	SchemaVersion  int                     `json:"schemaVersion"`
	Version        int64                   `json:"version"`
	LastModified   time.Time               `json:"lastModified"`
	LastModifiedBy string                  `json:"lastModifiedBy,omitempty"`
	Sync           SyncState               `json:"sync"`
	Metadata       Metadata                `json:"metadata"`
	Settings       Settings                `json:"settings"`
	Cards          map[string]CardInstance `json:"cards"`
	Changelog      []ChangeRecord          `json:"changelog"`
}

// PositionKey converts a slot position to its serialized map key.
func PositionKey(position int) string {
	return strconv.Itoa(position)
}

// ParsePosition converts a serialized card-map key back to a slot position.
func ParsePosition(key string) (int, error) {
	position, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil || position < 0 {
		return 0, fmt.Errorf("binder: invalid position key %q", key)
	}
	return position, nil
}

// CardAt returns the card instance occupying the given position.
func (b Binder) CardAt(position int) (CardInstance, bool) {
	card, ok := b.Cards[PositionKey(position)]
	return card, ok
}

// CardCount returns the number of occupied positions.
func (b Binder) CardCount() int {
	return len(b.Cards)
}

// MaxOccupiedPosition returns the highest occupied position, if any.
func (b Binder) MaxOccupiedPosition() (int, bool) {
	found := false
	max := 0
	for key := range b.Cards {
		position, err := ParsePosition(key)
		if err != nil {
			continue
		}
		if !found || position > max {
			max = position
			found = true
		}
	}
	return max, found
}

// OccupiedPositions returns all occupied positions in ascending order.
func (b Binder) OccupiedPositions() []int {
	positions := make([]int, 0, len(b.Cards))
	for key := range b.Cards {
		position, err := ParsePosition(key)
		if err != nil {
			continue
		}
		positions = append(positions, position)
	}
	sort.Ints(positions)
	return positions
}

// Clone returns a deep copy of the binder. Mutating the copy never touches
// the original's maps or slices. A nil card map becomes an empty one, so a
// binder decoded from a document without a cards key is safe to mutate.
func (b Binder) Clone() Binder {
	next := b
	next.Cards = make(map[string]CardInstance, len(b.Cards))
	for key, card := range b.Cards {
		copied := card
		copied.CardData.Types = append([]string(nil), card.CardData.Types...)
		next.Cards[key] = copied
	}
	next.Changelog = append([]ChangeRecord(nil), b.Changelog...)
	next.Sync.PendingChanges = append([]ChangeRecord(nil), b.Sync.PendingChanges...)
	next.Settings.PageOrder = append([]int(nil), b.Settings.PageOrder...)
	if b.Sync.LastSynced != nil {
		stamp := *b.Sync.LastSynced
		next.Sync.LastSynced = &stamp
	}
	if b.Sync.ConflictData != nil {
		descriptor := *b.Sync.ConflictData
		next.Sync.ConflictData = &descriptor
	}
	return next
}

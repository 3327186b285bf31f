package binder

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	// maxPositionBound is the sanity ceiling for slot positions.
	maxPositionBound = 10000
	// changelogLimit caps the retained changelog to bound document size.
	changelogLimit = 50
)

var (
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreConfig describes the dependencies of the Position/Card Store.
type StoreConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store applies validated mutations to binder aggregates. Every accepted
// mutation returns a new Binder value with the version bumped, the sync
// status reset to local, and a change record appended; rejected mutations
// return the input untouched.
type Store struct {
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// MoveOptions tunes a single move operation. Speculative moves run the same
// validation as confirmed moves; the flag only tags the change record so
// callers can suppress user-facing error surfacing for previews.
type MoveOptions struct {
	Speculative bool
}

// MoveOperation describes one move or swap inside a batch.
type MoveOperation struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// MoveResult reports the outcome of one operation inside a batch move.
type MoveResult struct {
	Operation MoveOperation
	Err       error
}

// CreateBinder builds a fresh binder at version 1 with a binder_created
// change record and local sync status.
func (s *Store) CreateBinder(id, ownerID, name string, grid GridSize) (Binder, error) {
	binderID, err := NewBinderID(id)
	if err != nil {
		return Binder{}, err
	}
	owner := ownerID
	if owner == "" {
		owner = LocalOwnerID
	}
	record, err := s.newRecord(ChangeTypeBinderCreated, owner, ChangePayload{})
	if err != nil {
		return Binder{}, err
	}
	now := record.Timestamp
	return Binder{
		ID:             binderID.String(),
		OwnerID:        owner,
		SchemaVersion:  CurrentSchemaVersion,
		Version:        1,
		LastModified:   now,
		LastModifiedBy: owner,
		Sync: SyncState{
			Status:         SyncStatusLocal,
			PendingChanges: []ChangeRecord{record},
		},
		Metadata: Metadata{Name: name, CreatedAt: now},
		Settings: Settings{
			GridSize:  grid,
			PageCount: DefaultMinPages,
			MinPages:  DefaultMinPages,
			MaxPages:  DefaultMaxPages,
		},
		Cards:     map[string]CardInstance{},
		Changelog: []ChangeRecord{record},
	}, nil
}

// AddCard places a card at the given position, or at the lowest free
// position when position is nil. A card without a catalog identifier is
// dropped silently and the binder is returned unchanged.
func (s *Store) AddCard(b Binder, card CardInstance, position *int, actor string) Binder {
	if card.CardID == "" {
		s.logger.Warn("binder card dropped: missing card id", zap.String("binder_id", b.ID))
		return b
	}
	if card.InstanceID == "" {
		instanceID, err := s.idProvider.NewID()
		if err != nil {
			s.logError("binder.add_card", "id_generation_failed", err, zap.String("binder_id", b.ID))
			return b
		}
		card.InstanceID = instanceID
	}

	slot := 0
	if position != nil && *position >= 0 {
		slot = *position
	}
	slot = lowestFreePosition(b, slot)

	if card.AddedAt.IsZero() {
		card.AddedAt = s.clock().UTC()
	}
	if card.AddedBy == "" {
		card.AddedBy = actor
	}

	record, err := s.newRecord(ChangeTypeCardAdded, actor, ChangePayload{
		Position:   pointerTo(slot),
		CardID:     card.CardID,
		InstanceID: card.InstanceID,
	})
	if err != nil {
		s.logError("binder.add_card", "record_failed", err, zap.String("binder_id", b.ID))
		return b
	}

	next := b.Clone()
	next.Cards[PositionKey(slot)] = card
	next.Settings.PageCount = raisedPageCount(next)
	return s.commit(next, record)
}

// BatchAddCards assigns consecutive free positions to every card in one pass
// and appends a single aggregated change record. Cards without a catalog
// identifier are skipped.
func (s *Store) BatchAddCards(b Binder, cards []CardInstance, startPosition *int, actor string) Binder {
	placeable := make([]CardInstance, 0, len(cards))
	for _, card := range cards {
		if card.CardID == "" {
			continue
		}
		placeable = append(placeable, card)
	}
	if len(placeable) == 0 {
		return b
	}

	next := b.Clone()
	now := s.clock().UTC()
	slot := 0
	if startPosition != nil && *startPosition >= 0 {
		slot = *startPosition
	}
	firstSlot := -1
	for _, card := range placeable {
		slot = lowestFreePosition(next, slot)
		if card.InstanceID == "" {
			instanceID, err := s.idProvider.NewID()
			if err != nil {
				s.logError("binder.batch_add_cards", "id_generation_failed", err, zap.String("binder_id", b.ID))
				return b
			}
			card.InstanceID = instanceID
		}
		if card.AddedAt.IsZero() {
			card.AddedAt = now
		}
		if card.AddedBy == "" {
			card.AddedBy = actor
		}
		next.Cards[PositionKey(slot)] = card
		if firstSlot < 0 {
			firstSlot = slot
		}
		slot++
	}

	record, err := s.newRecord(ChangeTypeCardsBatchAdded, actor, ChangePayload{
		Position: pointerTo(firstSlot),
		Count:    len(placeable),
	})
	if err != nil {
		s.logError("binder.batch_add_cards", "record_failed", err, zap.String("binder_id", b.ID))
		return b
	}
	next.Settings.PageCount = raisedPageCount(next)
	return s.commit(next, record)
}

// RemoveCard clears the given slot. Removing an empty slot is a no-op and
// writes no change record. The page count is never shrunk by removal.
func (s *Store) RemoveCard(b Binder, position int, actor string) Binder {
	card, occupied := b.CardAt(position)
	if !occupied {
		return b
	}
	record, err := s.newRecord(ChangeTypeCardRemoved, actor, ChangePayload{
		Position:   pointerTo(position),
		CardID:     card.CardID,
		InstanceID: card.InstanceID,
	})
	if err != nil {
		s.logError("binder.remove_card", "record_failed", err, zap.String("binder_id", b.ID))
		return b
	}
	next := b.Clone()
	delete(next.Cards, PositionKey(position))
	return s.commit(next, record)
}

// MoveCard moves the card at from to to, swapping when the destination is
// occupied. Invalid moves return a ValidationError and the binder unchanged.
func (s *Store) MoveCard(b Binder, from, to int, opts MoveOptions, actor string) (Binder, error) {
	if err := validateMove(b, from, to); err != nil {
		return b, err
	}
	next := b.Clone()
	swapped := applyMove(next.Cards, from, to)
	moved, _ := next.CardAt(to)
	record, err := s.newRecord(ChangeTypeCardMoved, actor, ChangePayload{
		FromPosition: pointerTo(from),
		ToPosition:   pointerTo(to),
		InstanceID:   moved.InstanceID,
		Swapped:      swapped,
		Speculative:  opts.Speculative,
	})
	if err != nil {
		s.logError("binder.move_card", "record_failed", err, zap.String("binder_id", b.ID))
		return b, err
	}
	return s.commit(next, record), nil
}

// BatchMoveCards applies the operations against one working copy, validating
// each independently. Operations that fail validation are skipped and
// reported; the returned binder reflects exactly the valid subset.
func (s *Store) BatchMoveCards(b Binder, operations []MoveOperation, actor string) (Binder, []MoveResult) {
	results := make([]MoveResult, 0, len(operations))
	next := b.Clone()
	applied := 0
	for _, op := range operations {
		if err := validateMove(next, op.From, op.To); err != nil {
			results = append(results, MoveResult{Operation: op, Err: err})
			continue
		}
		applyMove(next.Cards, op.From, op.To)
		results = append(results, MoveResult{Operation: op})
		applied++
	}
	if applied == 0 {
		return b, results
	}
	record, err := s.newRecord(ChangeTypeBatchMoveCards, actor, ChangePayload{Count: applied})
	if err != nil {
		s.logError("binder.batch_move_cards", "record_failed", err, zap.String("binder_id", b.ID))
		return b, results
	}
	return s.commit(next, record), results
}

// ReorderCardPages exchanges the position blocks of two card-pages. The
// first card-page (index 0, behind the cover) is protected.
func (s *Store) ReorderCardPages(b Binder, pageA, pageB int, actor string) (Binder, error) {
	capacity := cardPageCapacity(b.Settings.PageCount)
	if err := validatePagePair(pageA, pageB, capacity); err != nil {
		return b, err
	}

	next := b.Clone()
	cardsPerPage := next.Settings.GridSize.CardsPerPage()
	for offset := 0; offset < cardsPerPage; offset++ {
		applySwapSlots(next.Cards, pageA*cardsPerPage+offset, pageB*cardsPerPage+offset)
	}
	record, err := s.newRecord(ChangeTypePagesReordered, actor, ChangePayload{PageA: pageA, PageB: pageB})
	if err != nil {
		s.logError("binder.reorder_card_pages", "record_failed", err, zap.String("binder_id", b.ID))
		return b, err
	}
	return s.commit(next, record), nil
}

// ReorderPages swaps two physical binder pages in the page-order
// permutation. The cover page (index 0) is protected.
func (s *Store) ReorderPages(b Binder, pageA, pageB int, actor string) (Binder, error) {
	if err := validatePagePair(pageA, pageB, b.Settings.PageCount); err != nil {
		return b, err
	}
	next := b.Clone()
	if len(next.Settings.PageOrder) != next.Settings.PageCount {
		next.Settings.PageOrder = identityPageOrder(next.Settings.PageCount)
	}
	next.Settings.PageOrder[pageA], next.Settings.PageOrder[pageB] = next.Settings.PageOrder[pageB], next.Settings.PageOrder[pageA]
	record, err := s.newRecord(ChangeTypePagesReordered, actor, ChangePayload{PageA: pageA, PageB: pageB})
	if err != nil {
		s.logError("binder.reorder_pages", "record_failed", err, zap.String("binder_id", b.ID))
		return b, err
	}
	return s.commit(next, record), nil
}

// AddPage appends one binder page, bounded by settings.maxPages.
func (s *Store) AddPage(b Binder, actor string) (Binder, error) {
	if b.Settings.MaxPages > 0 && b.Settings.PageCount+1 > b.Settings.MaxPages {
		return b, newValidationError(ValidationMaxPagesReached, "page count %d at maximum %d", b.Settings.PageCount, b.Settings.MaxPages)
	}
	next := b.Clone()
	next.Settings.PageCount++
	if len(next.Settings.PageOrder) > 0 {
		next.Settings.PageOrder = append(next.Settings.PageOrder, next.Settings.PageCount-1)
	}
	record, err := s.newRecord(ChangeTypePageAdded, actor, ChangePayload{PageCount: next.Settings.PageCount})
	if err != nil {
		s.logError("binder.add_page", "record_failed", err, zap.String("binder_id", b.ID))
		return b, err
	}
	return s.commit(next, record), nil
}

// RemovePage drops the trailing binder page. The cover can never be removed,
// the count never falls below settings.minPages, and a page whose card-pages
// still hold cards is rejected with the blocking card count.
func (s *Store) RemovePage(b Binder, actor string) (Binder, error) {
	if b.Settings.PageCount <= 1 {
		return b, newValidationError(ValidationCoverPageProtected, "the cover page cannot be removed")
	}
	if b.Settings.PageCount <= b.Settings.MinPages {
		return b, newValidationError(ValidationMinPagesReached, "page count %d at minimum %d", b.Settings.PageCount, b.Settings.MinPages)
	}

	cardsPerPage := b.Settings.GridSize.CardsPerPage()
	lowSlot := cardPageCapacity(b.Settings.PageCount-1) * cardsPerPage
	highSlot := cardPageCapacity(b.Settings.PageCount) * cardsPerPage
	blocking := 0
	for _, position := range b.OccupiedPositions() {
		if position >= lowSlot && position < highSlot {
			blocking++
		}
	}
	if blocking > 0 {
		validationErr := newValidationError(ValidationPageNotEmpty, "%d cards still on the trailing page", blocking)
		validationErr.BlockingCards = blocking
		return b, validationErr
	}

	next := b.Clone()
	next.Settings.PageCount--
	next.Settings.PageOrder = dropPageFromOrder(next.Settings.PageOrder, next.Settings.PageCount)
	record, err := s.newRecord(ChangeTypePageRemoved, actor, ChangePayload{PageCount: next.Settings.PageCount})
	if err != nil {
		s.logError("binder.remove_page", "record_failed", err, zap.String("binder_id", b.ID))
		return b, err
	}
	return s.commit(next, record), nil
}

// UpdateGridSize switches the grid geometry and recomputes the page count
// from scratch against the new cards-per-page, clamped to the configured
// page bounds.
func (s *Store) UpdateGridSize(b Binder, grid GridSize, actor string) (Binder, error) {
	parsed, err := ParseGridSize(string(grid))
	if err != nil {
		return b, err
	}
	if parsed == b.Settings.GridSize {
		return b, nil
	}
	next := b.Clone()
	next.Settings.GridSize = parsed
	next.Settings.PageCount = clampPages(RequiredBinderPages(next), next.Settings.MinPages, next.Settings.MaxPages)
	next.Settings.PageOrder = nil
	record, err := s.newRecord(ChangeTypeSettingsUpdated, actor, ChangePayload{
		GridSize:  parsed,
		PageCount: next.Settings.PageCount,
	})
	if err != nil {
		s.logError("binder.update_grid_size", "record_failed", err, zap.String("binder_id", b.ID))
		return b, err
	}
	return s.commit(next, record), nil
}

// ClaimOwnership converts an unclaimed binder to the given principal.
// Claiming a binder owned by a different principal fails with an
// AuthorizationError before anything is touched.
func (s *Store) ClaimOwnership(b Binder, actor string) (Binder, error) {
	actorID, err := NewActorID(actor)
	if err != nil {
		return b, err
	}
	if b.OwnerID == actorID.String() {
		return b, nil
	}
	if b.OwnerID != LocalOwnerID {
		return b, &AuthorizationError{ActorID: actorID.String(), OwnerID: b.OwnerID}
	}
	record, err := s.newRecord(ChangeTypeOwnershipClaimed, actor, ChangePayload{
		PreviousOwner: b.OwnerID,
		NewOwner:      actorID.String(),
	})
	if err != nil {
		s.logError("binder.claim_ownership", "record_failed", err, zap.String("binder_id", b.ID))
		return b, err
	}
	next := b.Clone()
	next.OwnerID = actorID.String()
	return s.commit(next, record), nil
}

// RecordConflictResolved appends an audit record after a conflict merge
// without bumping the version again (the resolver already advanced it).
func (s *Store) RecordConflictResolved(b Binder, conflictType ConflictType, actor string) Binder {
	record, err := s.newRecord(ChangeTypeConflictResolved, actor, ChangePayload{ConflictType: string(conflictType)})
	if err != nil {
		s.logError("binder.record_conflict_resolved", "record_failed", err, zap.String("binder_id", b.ID))
		return b
	}
	next := b.Clone()
	next.Changelog = appendBounded(next.Changelog, record)
	return next
}

func (s *Store) newRecord(changeType ChangeType, actor string, payload ChangePayload) (ChangeRecord, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return ChangeRecord{}, err
	}
	return ChangeRecord{
		ID:        id,
		Timestamp: s.clock().UTC(),
		Type:      changeType,
		UserID:    actor,
		Data:      payload,
	}, nil
}

// commit finalizes an accepted mutation: bump the version, stamp the actor
// and time, drop back to local sync status, and append the change record to
// both the changelog and the pending queue.
func (s *Store) commit(next Binder, record ChangeRecord) Binder {
	next.Version++
	if next.Version <= 0 {
		next.Version = 1
	}
	next.LastModified = record.Timestamp
	next.LastModifiedBy = record.UserID
	next.Sync.Status = SyncStatusLocal
	next.Changelog = appendBounded(next.Changelog, record)
	next.Sync.PendingChanges = appendBounded(next.Sync.PendingChanges, record)
	return next
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("binder store error", attrs...)
}

func validateMove(b Binder, from, to int) error {
	if from < 0 || from > maxPositionBound {
		return newValidationError(ValidationPositionOutOfRange, "source position %d outside [0, %d]", from, maxPositionBound)
	}
	if to < 0 || to > maxPositionBound {
		return newValidationError(ValidationPositionOutOfRange, "destination position %d outside [0, %d]", to, maxPositionBound)
	}
	if from == to {
		return newValidationError(ValidationSamePosition, "source and destination are both %d", from)
	}
	if _, occupied := b.CardAt(from); !occupied {
		return newValidationError(ValidationSourceEmpty, "no card at position %d", from)
	}
	return nil
}

// applyMove mutates the card map directly; callers pass a cloned binder's
// map. Returns true when the destination was occupied and the cards swapped.
func applyMove(cards map[string]CardInstance, from, to int) bool {
	fromKey := PositionKey(from)
	toKey := PositionKey(to)
	moving := cards[fromKey]
	target, swapped := cards[toKey]
	cards[toKey] = moving
	if swapped {
		cards[fromKey] = target
	} else {
		delete(cards, fromKey)
	}
	return swapped
}

func applySwapSlots(cards map[string]CardInstance, a, b int) {
	aKey := PositionKey(a)
	bKey := PositionKey(b)
	cardA, okA := cards[aKey]
	cardB, okB := cards[bKey]
	switch {
	case okA && okB:
		cards[aKey], cards[bKey] = cardB, cardA
	case okA:
		cards[bKey] = cardA
		delete(cards, aKey)
	case okB:
		cards[aKey] = cardB
		delete(cards, bKey)
	}
}

func validatePagePair(pageA, pageB, bound int) error {
	if pageA == 0 || pageB == 0 {
		return newValidationError(ValidationCoverPageProtected, "page 0 is the cover")
	}
	if pageA < 0 || pageA >= bound || pageB < 0 || pageB >= bound {
		return newValidationError(ValidationPageOutOfRange, "pages %d and %d must be inside [1, %d)", pageA, pageB, bound)
	}
	if pageA == pageB {
		return newValidationError(ValidationSamePosition, "source and destination are both page %d", pageA)
	}
	return nil
}

func lowestFreePosition(b Binder, from int) int {
	position := from
	if position < 0 {
		position = 0
	}
	for {
		if _, occupied := b.CardAt(position); !occupied {
			return position
		}
		position++
	}
}

// raisedPageCount returns the monotonically raised page count: additions may
// grow the binder but never shrink it.
func raisedPageCount(b Binder) int {
	required := RequiredBinderPages(b)
	if required < b.Settings.PageCount {
		return b.Settings.PageCount
	}
	return required
}

func identityPageOrder(pageCount int) []int {
	order := make([]int, pageCount)
	for index := range order {
		order[index] = index
	}
	return order
}

func dropPageFromOrder(order []int, removedIndex int) []int {
	if len(order) == 0 {
		return nil
	}
	trimmed := make([]int, 0, len(order))
	for _, page := range order {
		if page == removedIndex {
			continue
		}
		trimmed = append(trimmed, page)
	}
	return trimmed
}

func appendBounded(records []ChangeRecord, record ChangeRecord) []ChangeRecord {
	records = append(records, record)
	if len(records) > changelogLimit {
		records = records[len(records)-changelogLimit:]
	}
	return records
}

func pointerTo(value int) *int {
	v := value
	return &v
}

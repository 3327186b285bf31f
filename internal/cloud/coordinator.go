package cloud

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cardfolio/backend/internal/binder"
	"go.uber.org/zap"
)

const (
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultMaxAttempts    = 3
)

const (
	opCoordinatorNew = "cloud.coordinator.new"
	opSyncToCloud    = "cloud.sync_to_cloud"
	opDownload       = "cloud.download_from_cloud"
	opCheckStatus    = "cloud.check_sync_status"
	opListBinders    = "cloud.list_all_cloud_binders"
	opDeleteBinder   = "cloud.delete_from_cloud"
)

var (
	errMissingStore    = errors.New("document store is required")
	errMissingRecorder = errors.New("binder store is required")
)

// SyncOptions tunes one save operation.
type SyncOptions struct {
	// ForceOverwrite skips conflict detection and writes unconditionally.
	ForceOverwrite bool
	// ResolveConflicts merges a detected conflict instead of failing.
	ResolveConflicts bool
	// RetryOnError re-attempts transport failures with exponential backoff.
	RetryOnError bool
}

// SyncComparison classifies the local/remote relationship reported by
// CheckSyncStatus.
type SyncComparison string

const (
	ComparisonInSync      SyncComparison = "in_sync"
	ComparisonLocalAhead  SyncComparison = "local_ahead"
	ComparisonRemoteAhead SyncComparison = "remote_ahead"
	ComparisonDiverged    SyncComparison = "diverged"
	ComparisonAbsent      SyncComparison = "absent_remote"
)

// SyncStatusReport is the read-only output of CheckSyncStatus.
type SyncStatusReport struct {
	Comparison    SyncComparison             `json:"comparison"`
	LocalVersion  int64                      `json:"localVersion"`
	RemoteVersion int64                      `json:"remoteVersion,omitempty"`
	Descriptor    *binder.ConflictDescriptor `json:"descriptor,omitempty"`
}

// CoordinatorConfig describes the dependencies of the SyncCoordinator.
type CoordinatorConfig struct {
	Store          DocumentStore
	Recorder       *binder.Store
	Clock          func() time.Time
	Logger         *zap.Logger
	RetryBaseDelay time.Duration
	MaxAttempts    int
}

// SyncCoordinator drives the save/download protocol against the remote
// store. It owns the per-binder single-flight queue: a second SyncToCloud
// call for a binder already syncing awaits and returns the in-flight outcome
// instead of racing a duplicate write.
type SyncCoordinator struct {
	store       DocumentStore
	recorder    *binder.Store
	clock       func() time.Time
	logger      *zap.Logger
	retryBase   time.Duration
	maxAttempts int

	mu       sync.Mutex
	inflight map[string]*inflightSync
}

type inflightSync struct {
	done   chan struct{}
	result binder.Binder
	err    error
}

// NewSyncCoordinator constructs a SyncCoordinator.
func NewSyncCoordinator(cfg CoordinatorConfig) (*SyncCoordinator, error) {
	if cfg.Store == nil {
		return nil, newSyncError(opCoordinatorNew, "missing_store", 0, errMissingStore)
	}
	if cfg.Recorder == nil {
		return nil, newSyncError(opCoordinatorNew, "missing_recorder", 0, errMissingRecorder)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryBase := cfg.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = defaultRetryBaseDelay
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &SyncCoordinator{
		store:       cfg.Store,
		recorder:    cfg.Recorder,
		clock:       clock,
		logger:      logger,
		retryBase:   retryBase,
		maxAttempts: maxAttempts,
		inflight:    make(map[string]*inflightSync),
	}, nil
}

// SyncToCloud persists the binder remotely, detecting and optionally
// resolving conflicts against the current remote snapshot. The returned
// binder carries the updated sync metadata for both success and failure.
func (c *SyncCoordinator) SyncToCloud(ctx context.Context, b binder.Binder, actorID string, opts SyncOptions) (binder.Binder, error) {
	actor, err := binder.NewActorID(actorID)
	if err != nil {
		return b, err
	}
	if b.OwnerID != binder.LocalOwnerID && b.OwnerID != actor.String() {
		return b, &binder.AuthorizationError{ActorID: actor.String(), OwnerID: b.OwnerID}
	}

	c.mu.Lock()
	if flight, running := c.inflight[b.ID]; running {
		c.mu.Unlock()
		select {
		case <-flight.done:
			return flight.result, flight.err
		case <-ctx.Done():
			return b, newSyncError(opSyncToCloud, "cancelled", 0, ctx.Err())
		}
	}
	flight := &inflightSync{done: make(chan struct{})}
	c.inflight[b.ID] = flight
	c.mu.Unlock()

	result, syncErr := c.runSync(ctx, b, actor.String(), opts)

	flight.result = result
	flight.err = syncErr
	close(flight.done)
	c.mu.Lock()
	delete(c.inflight, b.ID)
	c.mu.Unlock()

	return result, syncErr
}

func (c *SyncCoordinator) runSync(ctx context.Context, local binder.Binder, actor string, opts SyncOptions) (binder.Binder, error) {
	// The binder is pending while the loop runs. Snapshots returned on
	// cancellation or between attempts keep that status until a terminal
	// outcome replaces it.
	working := local.Clone()
	working.Sync.Status = binder.SyncStatusPending
	for attempt := 1; ; attempt++ {
		saved, retryable, err := c.attemptSave(ctx, working, actor, opts, attempt)
		if err == nil {
			c.logger.Info("binder synced",
				zap.String("binder_id", saved.ID),
				zap.Int64("version", saved.Version),
				zap.Int("attempt", attempt))
			return saved, nil
		}
		if !retryable {
			return saved, err
		}

		working = saved
		if !opts.RetryOnError || attempt >= c.maxAttempts {
			terminal := working.Clone()
			terminal.Sync.Status = binder.SyncStatusError
			c.logError(opSyncToCloud, "retries_exhausted", err,
				zap.String("binder_id", local.ID),
				zap.Int("attempts", attempt))
			return terminal, newSyncError(opSyncToCloud, "save_failed", attempt, err)
		}

		// delay = base * 2^(attempt-1)
		delay := c.retryBase << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return working, newSyncError(opSyncToCloud, "cancelled", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// attemptSave executes one save attempt. The returned binder reflects the
// attempt's effect on sync metadata; retryable reports whether the failure
// is a transport error worth backing off on.
func (c *SyncCoordinator) attemptSave(ctx context.Context, local binder.Binder, actor string, opts SyncOptions, attempt int) (binder.Binder, bool, error) {
	key := KeyFor(resolveOwner(local, actor), local.ID)

	remote, err := c.store.Get(ctx, key)
	remoteExists := true
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			remoteExists = false
		} else {
			return withRetryState(local, attempt, err), true, err
		}
	}

	working := local
	merged := false
	if remoteExists && !opts.ForceOverwrite {
		descriptor := binder.DetectConflict(local, remote)
		if descriptor.HasConflict {
			if !opts.ResolveConflicts {
				conflicted := local.Clone()
				conflicted.Sync.Status = binder.SyncStatusConflict
				conflicted.Sync.ConflictData = &descriptor
				c.logger.Warn("binder sync conflict",
					zap.String("binder_id", local.ID),
					zap.String("conflict_type", string(descriptor.Type)))
				return conflicted, false, &ConflictError{Descriptor: descriptor}
			}
			discarded := len(local.Sync.PendingChanges)
			working = binder.Resolve(local, remote, descriptor, c.clock().UTC())
			working = c.recorder.RecordConflictResolved(working, descriptor.Type, actor)
			merged = true
			c.logger.Info("binder conflict resolved",
				zap.String("binder_id", local.ID),
				zap.String("conflict_type", string(descriptor.Type)),
				zap.Int("pending_changes_before_merge", discarded))
		}
	}

	outgoing := working.Clone()
	outgoing.OwnerID = resolveOwner(working, actor)
	if !merged {
		remoteVersion := int64(0)
		if remoteExists {
			remoteVersion = remote.Version
		}
		if remoteVersion > outgoing.Version {
			outgoing.Version = remoteVersion
		}
		outgoing.Version++
	}
	now := c.clock().UTC()
	outgoing.Sync = binder.SyncState{
		Status:     binder.SyncStatusSynced,
		LastSynced: &now,
	}

	if err := c.store.Put(ctx, key, outgoing); err != nil {
		return withRetryState(local, attempt, err), true, err
	}
	return outgoing, false, nil
}

// DownloadFromCloud fetches the remote binder and returns it with synced
// status and local pending state cleared. An absent document fails with a
// NotFoundError.
func (c *SyncCoordinator) DownloadFromCloud(ctx context.Context, binderID, actorID string) (binder.Binder, error) {
	remote, err := c.fetch(ctx, opDownload, binderID, actorID)
	if err != nil {
		return binder.Binder{}, err
	}
	now := c.clock().UTC()
	remote.Sync = binder.SyncState{
		Status:     binder.SyncStatusSynced,
		LastSynced: &now,
	}
	return remote, nil
}

// GetCloudBinder fetches the remote snapshot without touching sync state.
func (c *SyncCoordinator) GetCloudBinder(ctx context.Context, binderID, actorID string) (binder.Binder, error) {
	return c.fetch(ctx, opDownload, binderID, actorID)
}

// CheckSyncStatus compares the local binder against the remote copy without
// writing anything.
func (c *SyncCoordinator) CheckSyncStatus(ctx context.Context, local binder.Binder, actorID string) (SyncStatusReport, error) {
	actor, err := binder.NewActorID(actorID)
	if err != nil {
		return SyncStatusReport{}, err
	}
	key := KeyFor(resolveOwner(local, actor.String()), local.ID)
	remote, err := c.store.Get(ctx, key)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return SyncStatusReport{Comparison: ComparisonAbsent, LocalVersion: local.Version}, nil
		}
		c.logError(opCheckStatus, "remote_fetch_failed", err, zap.String("binder_id", local.ID))
		return SyncStatusReport{}, newSyncError(opCheckStatus, "remote_fetch_failed", 0, err)
	}

	report := SyncStatusReport{
		LocalVersion:  local.Version,
		RemoteVersion: remote.Version,
	}
	descriptor := binder.DetectConflict(local, remote)
	switch {
	case !descriptor.HasConflict && local.Version > remote.Version:
		report.Comparison = ComparisonLocalAhead
	case !descriptor.HasConflict:
		report.Comparison = ComparisonInSync
	case descriptor.Type == binder.ConflictContentDifferent:
		report.Comparison = ComparisonDiverged
		report.Descriptor = &descriptor
	default:
		report.Comparison = ComparisonRemoteAhead
		report.Descriptor = &descriptor
	}
	return report, nil
}

// ListAllCloudBinders lists the actor's non-archived cloud binders.
func (c *SyncCoordinator) ListAllCloudBinders(ctx context.Context, actorID string) ([]binder.Binder, error) {
	actor, err := binder.NewActorID(actorID)
	if err != nil {
		return nil, err
	}
	binders, err := c.store.Query(ctx, actor.String(), false)
	if err != nil {
		c.logError(opListBinders, "query_failed", err, zap.String("owner_id", actor.String()))
		return nil, newSyncError(opListBinders, "query_failed", 0, err)
	}
	return binders, nil
}

// DeleteFromCloud removes the remote document. Deleting an absent document
// fails with a NotFoundError and is not retried.
func (c *SyncCoordinator) DeleteFromCloud(ctx context.Context, binderID, actorID string) error {
	actor, err := binder.NewActorID(actorID)
	if err != nil {
		return err
	}
	key := KeyFor(actor.String(), binderID)
	if err := c.store.Delete(ctx, key); err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		c.logError(opDeleteBinder, "delete_failed", err, zap.String("binder_id", binderID))
		return newSyncError(opDeleteBinder, "delete_failed", 0, err)
	}
	return nil
}

func (c *SyncCoordinator) fetch(ctx context.Context, operation, binderID, actorID string) (binder.Binder, error) {
	actor, err := binder.NewActorID(actorID)
	if err != nil {
		return binder.Binder{}, err
	}
	key := KeyFor(actor.String(), binderID)
	remote, err := c.store.Get(ctx, key)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return binder.Binder{}, err
		}
		c.logError(operation, "remote_fetch_failed", err, zap.String("binder_id", binderID))
		return binder.Binder{}, newSyncError(operation, "remote_fetch_failed", 0, err)
	}
	return remote, nil
}

func (c *SyncCoordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("sync coordinator error", attrs...)
}

func resolveOwner(b binder.Binder, actor string) string {
	if b.OwnerID == "" || b.OwnerID == binder.LocalOwnerID {
		return actor
	}
	return b.OwnerID
}

func withRetryState(local binder.Binder, attempt int, cause error) binder.Binder {
	next := local.Clone()
	next.Sync.RetryCount = attempt
	next.Sync.LastError = cause.Error()
	return next
}

package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cardfolio/backend/internal/binder"
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

// fakeStore is an in-memory DocumentStore with failure injection and a put
// gate for exercising the single-flight path.
type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]binder.Binder
	putCalls int
	failPuts int
	getFails int

	putEntered chan struct{}
	putRelease chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]binder.Binder)}
}

func (s *fakeStore) Get(ctx context.Context, key DocumentKey) (binder.Binder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getFails > 0 {
		s.getFails--
		return binder.Binder{}, errors.New("injected get failure")
	}
	doc, ok := s.docs[key.String()]
	if !ok {
		return binder.Binder{}, &NotFoundError{Key: key}
	}
	return doc.Clone(), nil
}

func (s *fakeStore) Put(ctx context.Context, key DocumentKey, b binder.Binder) error {
	s.mu.Lock()
	s.putCalls++
	entered := s.putEntered
	release := s.putRelease
	s.putEntered = nil
	if s.failPuts > 0 {
		s.failPuts--
		s.mu.Unlock()
		return errors.New("injected put failure")
	}
	s.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}

	s.mu.Lock()
	s.docs[key.String()] = b.Clone()
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key DocumentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key.String()]; !ok {
		return &NotFoundError{Key: key}
	}
	delete(s.docs, key.String())
	return nil
}

func (s *fakeStore) Query(ctx context.Context, ownerID string, includeArchived bool) ([]binder.Binder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []binder.Binder
	for _, doc := range s.docs {
		if doc.OwnerID != ownerID {
			continue
		}
		if doc.Metadata.IsArchived && !includeArchived {
			continue
		}
		matched = append(matched, doc.Clone())
	}
	return matched, nil
}

func (s *fakeStore) Subscribe(ctx context.Context, key DocumentKey) (<-chan StoreEvent, func()) {
	stream := make(chan StoreEvent)
	close(stream)
	return stream, func() {}
}

func (s *fakeStore) puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCalls
}

func (s *fakeStore) document(t *testing.T, key DocumentKey) binder.Binder {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key.String()]
	if !ok {
		t.Fatalf("expected document %s in store", key)
	}
	return doc
}

func newTestRecorder(t *testing.T) *binder.Store {
	t.Helper()
	recorder, err := binder.NewStore(binder.StoreConfig{
		Clock:      func() time.Time { return testClockStart },
		IDProvider: &staticIDGenerator{prefix: "change"},
	})
	if err != nil {
		t.Fatalf("failed to construct binder store: %v", err)
	}
	return recorder
}

func newTestCoordinator(t *testing.T, store DocumentStore) *SyncCoordinator {
	t.Helper()
	coordinator, err := NewSyncCoordinator(CoordinatorConfig{
		Store:          store,
		Recorder:       newTestRecorder(t),
		Clock:          func() time.Time { return testClockStart },
		RetryBaseDelay: time.Millisecond,
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator
}

func localBinder(t *testing.T, recorder *binder.Store, id string) binder.Binder {
	t.Helper()
	created, err := recorder.CreateBinder(id, binder.LocalOwnerID, "Kanto", binder.GridSize3x3)
	if err != nil {
		t.Fatalf("failed to create binder: %v", err)
	}
	return created
}

func TestSyncToCloudFirstWrite(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)
	local := localBinder(t, recorder, "binder-1")
	local = recorder.AddCard(local, binder.CardInstance{InstanceID: "inst-1", CardID: "base1-1"}, nil, "user-1")

	synced, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{})
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if synced.Version != local.Version+1 {
		t.Fatalf("expected version %d, got %d", local.Version+1, synced.Version)
	}
	if synced.Sync.Status != binder.SyncStatusSynced {
		t.Fatalf("expected synced status, got %s", synced.Sync.Status)
	}
	if len(synced.Sync.PendingChanges) != 0 {
		t.Fatalf("pending changes must be cleared after sync")
	}
	if synced.OwnerID != "user-1" {
		t.Fatalf("unclaimed binder must adopt the syncing principal, got %s", synced.OwnerID)
	}

	stored := store.document(t, KeyFor("user-1", "binder-1"))
	if stored.Version != synced.Version {
		t.Fatalf("stored version %d does not match returned %d", stored.Version, synced.Version)
	}
}

func TestSyncToCloudRejectsForeignActor(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)
	local := localBinder(t, recorder, "binder-1")
	local.OwnerID = "user-1"

	_, err := coordinator.SyncToCloud(context.Background(), local, "user-2", SyncOptions{})
	var authErr *binder.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if store.puts() != 0 {
		t.Fatalf("rejected sync must not touch the store")
	}
}

func TestSyncToCloudConflictWithoutResolution(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)

	local := localBinder(t, recorder, "binder-1")
	local.OwnerID = "user-1"

	remote := local.Clone()
	remote.Version = local.Version + 5
	store.docs[KeyFor("user-1", "binder-1").String()] = remote

	returned, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflictErr.Descriptor.Type != binder.ConflictVersionNewerRemote {
		t.Fatalf("expected version conflict, got %s", conflictErr.Descriptor.Type)
	}
	if returned.Sync.Status != binder.SyncStatusConflict {
		t.Fatalf("expected conflict status on returned binder, got %s", returned.Sync.Status)
	}
	if returned.Sync.ConflictData == nil || returned.Sync.ConflictData.Type != binder.ConflictVersionNewerRemote {
		t.Fatalf("expected conflict descriptor attached, got %#v", returned.Sync.ConflictData)
	}
	if store.puts() != 0 {
		t.Fatalf("conflicted sync must not write, got %d puts", store.puts())
	}
}

func TestSyncToCloudResolvesConflictWhenRequested(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)

	local := localBinder(t, recorder, "binder-1")
	local.OwnerID = "user-1"
	local = recorder.AddCard(local, binder.CardInstance{InstanceID: "inst-local", CardID: "base1-1"}, nil, "user-1")

	remote := localBinder(t, recorder, "binder-1")
	remote.OwnerID = "user-1"
	remote.Version = local.Version + 5
	store.docs[KeyFor("user-1", "binder-1").String()] = remote

	synced, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{ResolveConflicts: true})
	if err != nil {
		t.Fatalf("expected resolved sync, got %v", err)
	}
	if synced.Sync.Status != binder.SyncStatusSynced {
		t.Fatalf("expected synced status, got %s", synced.Sync.Status)
	}
	// Remote wins on a version conflict; the merged document keeps the
	// remote card mapping and version.
	if synced.Version != remote.Version {
		t.Fatalf("expected remote version %d, got %d", remote.Version, synced.Version)
	}
	last := synced.Changelog[len(synced.Changelog)-1]
	if last.Type != binder.ChangeTypeConflictResolved {
		t.Fatalf("expected conflict_resolved audit record, got %s", last.Type)
	}
	if last.Data.ConflictType != string(binder.ConflictVersionNewerRemote) {
		t.Fatalf("expected conflict type in audit record, got %q", last.Data.ConflictType)
	}
	if store.puts() != 1 {
		t.Fatalf("expected exactly one write, got %d", store.puts())
	}
}

func TestSyncToCloudForceOverwriteSkipsDetection(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)

	local := localBinder(t, recorder, "binder-1")
	local.OwnerID = "user-1"

	remote := local.Clone()
	remote.Version = local.Version + 5
	store.docs[KeyFor("user-1", "binder-1").String()] = remote

	synced, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{ForceOverwrite: true})
	if err != nil {
		t.Fatalf("expected forced sync to succeed, got %v", err)
	}
	if synced.Version != remote.Version+1 {
		t.Fatalf("forced write must still advance past the remote version, got %d", synced.Version)
	}
}

func TestSyncToCloudSingleFlight(t *testing.T) {
	store := newFakeStore()
	store.putEntered = make(chan struct{})
	store.putRelease = make(chan struct{})
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)
	local := localBinder(t, recorder, "binder-1")

	type outcome struct {
		result binder.Binder
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{})
		first <- outcome{result: result, err: err}
	}()

	// Wait until the first sync is inside Put, then issue the duplicate.
	<-store.putEntered
	second := make(chan outcome, 1)
	go func() {
		result, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{})
		second <- outcome{result: result, err: err}
	}()

	// Give the duplicate a moment to reach the in-flight guard before the
	// first write is released.
	time.Sleep(50 * time.Millisecond)
	close(store.putRelease)
	firstOutcome := <-first
	secondOutcome := <-second

	if firstOutcome.err != nil || secondOutcome.err != nil {
		t.Fatalf("unexpected sync errors: %v / %v", firstOutcome.err, secondOutcome.err)
	}
	if store.puts() != 1 {
		t.Fatalf("duplicate sync must coalesce into one write, got %d", store.puts())
	}
	if firstOutcome.result.Version != secondOutcome.result.Version {
		t.Fatalf("both callers must observe the same outcome: %d vs %d",
			firstOutcome.result.Version, secondOutcome.result.Version)
	}
}

func TestSyncToCloudRetriesTransportFailures(t *testing.T) {
	store := newFakeStore()
	store.failPuts = 2
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)
	local := localBinder(t, recorder, "binder-1")

	synced, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{RetryOnError: true})
	if err != nil {
		t.Fatalf("expected third attempt to succeed, got %v", err)
	}
	if synced.Sync.Status != binder.SyncStatusSynced {
		t.Fatalf("expected synced status, got %s", synced.Sync.Status)
	}
	if store.puts() != 3 {
		t.Fatalf("expected 3 put attempts, got %d", store.puts())
	}
}

func TestSyncToCloudRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	store.failPuts = 10
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)
	local := localBinder(t, recorder, "binder-1")

	returned, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{RetryOnError: true})
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected terminal sync error, got %v", err)
	}
	if syncErr.RetryCount != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", syncErr.RetryCount)
	}
	if returned.Sync.Status != binder.SyncStatusError {
		t.Fatalf("expected error status on returned binder, got %s", returned.Sync.Status)
	}
	if returned.Sync.RetryCount != 3 || returned.Sync.LastError == "" {
		t.Fatalf("expected retry metadata on returned binder, got %#v", returned.Sync)
	}
}

func TestSyncToCloudNoRetryWithoutOptIn(t *testing.T) {
	store := newFakeStore()
	store.failPuts = 1
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)
	local := localBinder(t, recorder, "binder-1")

	_, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{})
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected terminal sync error, got %v", err)
	}
	if store.puts() != 1 {
		t.Fatalf("expected a single attempt, got %d", store.puts())
	}
}

func TestSyncToCloudCancelledDuringBackoff(t *testing.T) {
	store := newFakeStore()
	store.failPuts = 10
	coordinator, err := NewSyncCoordinator(CoordinatorConfig{
		Store:          store,
		Recorder:       newTestRecorder(t),
		Clock:          func() time.Time { return testClockStart },
		RetryBaseDelay: time.Hour,
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	recorder := newTestRecorder(t)
	local := localBinder(t, recorder, "binder-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		result binder.Binder
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := coordinator.SyncToCloud(ctx, local, "user-1", SyncOptions{RetryOnError: true})
		done <- outcome{result: result, err: err}
	}()

	// Cancel once the first attempt has failed and the loop is parked on
	// the backoff timer.
	deadline := time.Now().Add(5 * time.Second)
	for store.puts() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first put attempt")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	finished := <-done
	var syncErr *SyncError
	if !errors.As(finished.err, &syncErr) {
		t.Fatalf("expected sync error, got %v", finished.err)
	}
	if !errors.Is(finished.err, context.Canceled) {
		t.Fatalf("expected wrapped context cancellation, got %v", finished.err)
	}
	if syncErr.RetryCount != 1 {
		t.Fatalf("expected one recorded attempt, got %d", syncErr.RetryCount)
	}
	if store.puts() != 1 {
		t.Fatalf("cancelled loop must not attempt again, got %d puts", store.puts())
	}
	if finished.result.Sync.Status != binder.SyncStatusPending {
		t.Fatalf("binder abandoned mid-sync must report pending, got %s", finished.result.Sync.Status)
	}
}

func TestSyncToCloudDuplicateWaiterCancellable(t *testing.T) {
	store := newFakeStore()
	store.putEntered = make(chan struct{})
	store.putRelease = make(chan struct{})
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)
	local := localBinder(t, recorder, "binder-1")

	first := make(chan error, 1)
	go func() {
		_, err := coordinator.SyncToCloud(context.Background(), local, "user-1", SyncOptions{})
		first <- err
	}()
	<-store.putEntered

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := coordinator.SyncToCloud(ctx, local, "user-1", SyncOptions{})
		second <- err
	}()

	// Let the duplicate reach the in-flight guard before cancelling it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	waiterErr := <-second
	var syncErr *SyncError
	if !errors.As(waiterErr, &syncErr) {
		t.Fatalf("expected sync error from cancelled waiter, got %v", waiterErr)
	}
	if !errors.Is(waiterErr, context.Canceled) {
		t.Fatalf("expected wrapped context cancellation, got %v", waiterErr)
	}

	close(store.putRelease)
	if err := <-first; err != nil {
		t.Fatalf("original sync must be unaffected, got %v", err)
	}
	if store.puts() != 1 {
		t.Fatalf("expected a single write, got %d", store.puts())
	}
}

func TestDownloadFromCloud(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)

	remote := localBinder(t, recorder, "binder-1")
	remote.OwnerID = "user-1"
	remote.Version = 4
	store.docs[KeyFor("user-1", "binder-1").String()] = remote

	downloaded, err := coordinator.DownloadFromCloud(context.Background(), "binder-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}
	if downloaded.Version != 4 {
		t.Fatalf("expected remote version, got %d", downloaded.Version)
	}
	if downloaded.Sync.Status != binder.SyncStatusSynced || downloaded.Sync.LastSynced == nil {
		t.Fatalf("downloaded binder must be marked synced, got %#v", downloaded.Sync)
	}

	_, err = coordinator.DownloadFromCloud(context.Background(), "missing", "user-1")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestGetCloudBinderLeavesSyncStateUntouched(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)

	remote := localBinder(t, recorder, "binder-1")
	remote.OwnerID = "user-1"
	store.docs[KeyFor("user-1", "binder-1").String()] = remote

	fetched, err := coordinator.GetCloudBinder(context.Background(), "binder-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if fetched.Sync.Status != binder.SyncStatusLocal {
		t.Fatalf("fetch must not rewrite the stored sync status, got %s", fetched.Sync.Status)
	}
	if fetched.Sync.LastSynced != nil {
		t.Fatalf("fetch must not stamp last synced, got %v", fetched.Sync.LastSynced)
	}

	_, err = coordinator.GetCloudBinder(context.Background(), "missing", "user-1")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestCheckSyncStatus(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)

	local := localBinder(t, recorder, "binder-1")
	local.OwnerID = "user-1"

	report, err := coordinator.CheckSyncStatus(context.Background(), local, "user-1")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if report.Comparison != ComparisonAbsent {
		t.Fatalf("expected absent_remote, got %s", report.Comparison)
	}

	remote := local.Clone()
	store.docs[KeyFor("user-1", "binder-1").String()] = remote
	report, err = coordinator.CheckSyncStatus(context.Background(), local, "user-1")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if report.Comparison != ComparisonInSync {
		t.Fatalf("expected in_sync, got %s", report.Comparison)
	}

	ahead := local.Clone()
	ahead.Version = local.Version + 2
	report, err = coordinator.CheckSyncStatus(context.Background(), ahead, "user-1")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if report.Comparison != ComparisonLocalAhead {
		t.Fatalf("expected local_ahead, got %s", report.Comparison)
	}

	remoteAhead := remote.Clone()
	remoteAhead.Version = local.Version + 5
	store.docs[KeyFor("user-1", "binder-1").String()] = remoteAhead
	report, err = coordinator.CheckSyncStatus(context.Background(), local, "user-1")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if report.Comparison != ComparisonRemoteAhead {
		t.Fatalf("expected remote_ahead, got %s", report.Comparison)
	}
	if report.Descriptor == nil || report.Descriptor.Type != binder.ConflictVersionNewerRemote {
		t.Fatalf("expected version descriptor, got %#v", report.Descriptor)
	}

	diverged := remote.Clone()
	diverged.Cards = map[string]binder.CardInstance{
		binder.PositionKey(0): {InstanceID: "inst-remote", CardID: "base1-9"},
	}
	store.docs[KeyFor("user-1", "binder-1").String()] = diverged
	report, err = coordinator.CheckSyncStatus(context.Background(), local, "user-1")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if report.Comparison != ComparisonDiverged {
		t.Fatalf("expected diverged, got %s", report.Comparison)
	}
}

func TestListAllCloudBindersFiltersArchived(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)

	active := localBinder(t, recorder, "binder-1")
	active.OwnerID = "user-1"
	archived := localBinder(t, recorder, "binder-2")
	archived.OwnerID = "user-1"
	archived.Metadata.IsArchived = true
	foreign := localBinder(t, recorder, "binder-3")
	foreign.OwnerID = "user-2"

	store.docs[KeyFor("user-1", "binder-1").String()] = active
	store.docs[KeyFor("user-1", "binder-2").String()] = archived
	store.docs[KeyFor("user-2", "binder-3").String()] = foreign

	binders, err := coordinator.ListAllCloudBinders(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(binders) != 1 || binders[0].ID != "binder-1" {
		t.Fatalf("expected only the active owned binder, got %#v", binders)
	}
}

func TestDeleteFromCloud(t *testing.T) {
	store := newFakeStore()
	coordinator := newTestCoordinator(t, store)
	recorder := newTestRecorder(t)

	remote := localBinder(t, recorder, "binder-1")
	remote.OwnerID = "user-1"
	store.docs[KeyFor("user-1", "binder-1").String()] = remote

	if err := coordinator.DeleteFromCloud(context.Background(), "binder-1", "user-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	var notFound *NotFoundError
	if err := coordinator.DeleteFromCloud(context.Background(), "binder-1", "user-1"); !errors.As(err, &notFound) {
		t.Fatalf("expected not-found on repeat delete, got %v", err)
	}
}

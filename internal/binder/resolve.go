package binder

import "time"

// Resolve produces a single reconciled binder from a detected conflict. The
// strategy is chosen deterministically by the descriptor type:
//
//   - version_newer_remote / timestamp_newer_remote: remote wins. The remote
//     snapshot is adopted verbatim and any unsynced local pending changes are
//     discarded. This preserves the historical behavior of the system; see
//     the conflict_resolved change record for the audit trail.
//   - content_different: field-level merge. Cards start from the remote
//     mapping, local-only positions are added, and positions occupied on both
//     sides keep the later addition. Metadata and settings come from local.
//   - anything else: local wins.
//
// Resolve is a pure function of its inputs: the only wall-clock influence is
// the now stamp the caller supplies.
func Resolve(local, remote Binder, descriptor ConflictDescriptor, now time.Time) Binder {
	switch descriptor.Type {
	case ConflictVersionNewerRemote, ConflictTimestampNewerRemote:
		return resolveRemoteWins(remote, now)
	case ConflictContentDifferent:
		return mergeContent(local, remote, now)
	default:
		return resolveLocalWins(local, remote, now)
	}
}

func resolveRemoteWins(remote Binder, now time.Time) Binder {
	merged := remote.Clone()
	merged.Sync = syncedState(now)
	return merged
}

func mergeContent(local, remote Binder, now time.Time) Binder {
	merged := remote.Clone()

	cards := make(map[string]CardInstance, len(remote.Cards)+len(local.Cards))
	for key, card := range remote.Cards {
		cards[key] = card
	}
	for key, localCard := range local.Cards {
		remoteCard, present := cards[key]
		if !present || localCard.AddedAt.After(remoteCard.AddedAt) {
			cards[key] = localCard
		}
	}
	merged.Cards = cards

	// Non-card fields: local wins, layered over remote defaults.
	merged.Metadata = local.Metadata
	merged.Settings = local.Settings
	merged.Settings.PageOrder = append([]int(nil), local.Settings.PageOrder...)
	if merged.Settings.GridSize == "" {
		merged.Settings.GridSize = remote.Settings.GridSize
	}
	if merged.Settings.PageCount == 0 {
		merged.Settings.PageCount = remote.Settings.PageCount
	}

	merged.Version = maxVersion(local.Version, remote.Version) + 1
	merged.LastModified = now
	merged.LastModifiedBy = local.LastModifiedBy
	merged.Sync = syncedState(now)
	merged.Changelog = append([]ChangeRecord(nil), local.Changelog...)
	return merged
}

func resolveLocalWins(local, remote Binder, now time.Time) Binder {
	merged := local.Clone()
	merged.Version = maxVersion(local.Version, remote.Version) + 1
	merged.LastModified = now
	merged.Sync = syncedState(now)
	return merged
}

func syncedState(now time.Time) SyncState {
	stamp := now.UTC()
	return SyncState{
		Status:         SyncStatusSynced,
		LastSynced:     &stamp,
		PendingChanges: nil,
	}
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

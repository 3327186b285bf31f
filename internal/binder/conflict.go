package binder

// DetectConflict compares a local binder snapshot against its remote
// counterpart and classifies the divergence. The rules are evaluated
// independently; the first true classification wins the type, with
// precedence version > timestamp > content.
func DetectConflict(local, remote Binder) ConflictDescriptor {
	descriptor := ConflictDescriptor{
		Details: ConflictDetails{
			LocalVersion:    local.Version,
			RemoteVersion:   remote.Version,
			LocalModified:   local.LastModified,
			RemoteModified:  remote.LastModified,
			LocalCardCount:  local.CardCount(),
			RemoteCardCount: remote.CardCount(),
		},
	}

	if remote.Version > local.Version {
		descriptor.HasConflict = true
		descriptor.Type = ConflictVersionNewerRemote
	}
	if remote.LastModified.After(local.LastModified) {
		descriptor.HasConflict = true
		if descriptor.Type == "" {
			descriptor.Type = ConflictTimestampNewerRemote
		}
	}
	if local.CardCount() != remote.CardCount() {
		descriptor.HasConflict = true
		if descriptor.Type == "" {
			descriptor.Type = ConflictContentDifferent
		}
	}

	return descriptor
}

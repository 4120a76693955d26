package interfaces

import (
	"context"
	"time"
)

// ManifestEntry records one file captured in a checkpoint
type ManifestEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Checkpoint is the metadata record for one workspace snapshot
type Checkpoint struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Files       []ManifestEntry   `json:"files"`
	FileCount   int               `json:"file_count"`
	TotalBytes  int64             `json:"total_bytes"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ConflictResolution selects how restore handles files changed since
// the checkpoint was taken
type ConflictResolution string

// Conflict resolution strategies
const (
	PreferCheckpoint ConflictResolution = "prefer-checkpoint"
	PreferCurrent    ConflictResolution = "prefer-current"
	ResolveManual    ConflictResolution = "manual"
)

// RestoreOptions controls a restore operation
type RestoreOptions struct {
	// Files restricts the restore to a subset of manifest paths.
	// Empty means restore everything in the checkpoint.
	Files []string `json:"files,omitempty"`
	// DryRun reports what would change without writing anything.
	DryRun bool `json:"dry_run"`
	// Resolution defaults to PreferCheckpoint when empty.
	Resolution ConflictResolution `json:"resolution,omitempty"`
	// SkipSafetyNet disables the automatic pre-restore checkpoint.
	SkipSafetyNet bool `json:"skip_safety_net,omitempty"`
}

// RestoreChange describes one file a restore would write or wrote
type RestoreChange struct {
	Path   string `json:"path"`
	Action string `json:"action"` // "create", "overwrite", "skip"
}

// FileFailure records a per-file restore failure
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Conflict marks a file whose workspace copy diverged after the
// checkpoint was taken
type Conflict struct {
	Path       string             `json:"path"`
	Resolution ConflictResolution `json:"resolution"`
}

// RestoreResult summarizes a restore operation
type RestoreResult struct {
	Success                bool            `json:"success"`
	CheckpointID           string          `json:"checkpoint_id"`
	DryRun                 bool            `json:"dry_run"`
	Restored               []string        `json:"restored,omitempty"`
	Failed                 []FileFailure   `json:"failed,omitempty"`
	Changes                []RestoreChange `json:"changes,omitempty"`
	Conflicts              []Conflict      `json:"conflicts,omitempty"`
	PreRestoreCheckpointID string          `json:"pre_restore_checkpoint_id,omitempty"`
}

// CompareResult is the diff between a checkpoint and either the live
// workspace or a second checkpoint. ComparedTo is empty for workspace
// diffs; added and removed are relative to the base checkpoint.
type CompareResult struct {
	CheckpointID string   `json:"checkpoint_id"`
	ComparedTo   string   `json:"compared_to,omitempty"`
	Added        []string `json:"added"`
	Removed      []string `json:"removed"`
	Modified     []string `json:"modified"`
	Unchanged    int      `json:"unchanged"`
}

// ValidationCheck is one named check in a validation report
type ValidationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ValidationReport summarizes checkpoint integrity without mutating it
type ValidationReport struct {
	CheckpointID string            `json:"checkpoint_id"`
	Valid        bool              `json:"valid"`
	Checks       []ValidationCheck `json:"checks"`
}

// CleanupPolicy controls checkpoint retention. KeepLatest is honored
// regardless of age: the N newest checkpoints always survive.
type CleanupPolicy struct {
	MaxAge     time.Duration `json:"max_age,omitempty"`
	MaxCount   int           `json:"max_count,omitempty"`
	KeepLatest int           `json:"keep_latest"`
	// Archive pushes checkpoint bundles to the configured archiver
	// before local deletion.
	Archive bool `json:"archive,omitempty"`
}

// CleanupResult reports what a cleanup pass removed
type CleanupResult struct {
	Removed  []string `json:"removed"`
	Archived []string `json:"archived,omitempty"`
	Kept     int      `json:"kept"`
}

// CheckpointArchiver stores checkpoint bundles in long-term storage
// before local cleanup deletes them
type CheckpointArchiver interface {
	Archive(ctx context.Context, checkpointID string, bundle []byte) error
}

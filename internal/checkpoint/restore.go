package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rollguard/rollguard/internal/interfaces"
)

const (
	actionCreate    = "create"
	actionOverwrite = "overwrite"
	actionSkip      = "skip"
)

// Restore writes checkpoint contents back into the workspace.
//
// The operation runs in phases: verify every stored file against its
// manifest hash, select the target set, detect conflicts, take a
// safety-net checkpoint of the current workspace, then copy files back
// and re-verify each write. Verification failure aborts before any
// workspace file is touched. Write failures roll the workspace back to
// the safety-net checkpoint.
func (s *Store) Restore(ctx context.Context, id string, opts interfaces.RestoreOptions) (*interfaces.RestoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("restore canceled before start: %w", err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	cp, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	resolution := opts.Resolution
	if resolution == "" {
		resolution = interfaces.PreferCheckpoint
	}
	switch resolution {
	case interfaces.PreferCheckpoint, interfaces.PreferCurrent, interfaces.ResolveManual:
	default:
		return nil, fmt.Errorf("%w: unknown conflict resolution %q", ErrInvalidRequest, resolution)
	}

	// Phase 1: verify stored data against the manifest before touching
	// the workspace.
	if err := s.verifyStored(ctx, cp); err != nil {
		return nil, err
	}

	// Phase 2: select target entries. An explicit file list silently
	// narrows to paths present in the manifest.
	targets := cp.Files
	if len(opts.Files) > 0 {
		requested := make(map[string]bool, len(opts.Files))
		for _, f := range opts.Files {
			requested[filepath.Clean(f)] = true
		}
		targets = nil
		for _, entry := range cp.Files {
			if requested[entry.Path] {
				targets = append(targets, entry)
			}
		}
	}

	result := &interfaces.RestoreResult{
		CheckpointID: cp.ID,
		DryRun:       opts.DryRun,
	}

	// Phase 3: plan changes and detect conflicts. A conflict is a file
	// whose workspace copy differs from the checkpoint and was modified
	// after the checkpoint was taken.
	type plannedWrite struct {
		entry    interfaces.ManifestEntry
		action   string
		conflict bool
	}
	var plan []plannedWrite

	for _, entry := range targets {
		wsPath := filepath.Join(s.workspace, entry.Path)
		info, statErr := os.Stat(wsPath)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				plan = append(plan, plannedWrite{entry: entry, action: actionCreate})
				result.Changes = append(result.Changes, interfaces.RestoreChange{Path: entry.Path, Action: actionCreate})
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", entry.Path, statErr)
		}

		current, hashErr := hashFile(wsPath)
		if hashErr != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", entry.Path, hashErr)
		}
		if current == entry.Hash {
			continue // already matches the checkpoint
		}

		conflict := info.ModTime().After(cp.CreatedAt)
		if conflict {
			result.Conflicts = append(result.Conflicts, interfaces.Conflict{
				Path:       entry.Path,
				Resolution: resolution,
			})
			switch resolution {
			case interfaces.PreferCurrent:
				plan = append(plan, plannedWrite{entry: entry, action: actionSkip, conflict: true})
				result.Changes = append(result.Changes, interfaces.RestoreChange{Path: entry.Path, Action: actionSkip})
				continue
			case interfaces.ResolveManual:
				plan = append(plan, plannedWrite{entry: entry, action: actionSkip, conflict: true})
				result.Changes = append(result.Changes, interfaces.RestoreChange{Path: entry.Path, Action: actionSkip})
				result.Failed = append(result.Failed, interfaces.FileFailure{
					Path:  entry.Path,
					Error: "conflict requires manual resolution",
				})
				continue
			case interfaces.PreferCheckpoint:
				// fall through to overwrite
			}
		}

		plan = append(plan, plannedWrite{entry: entry, action: actionOverwrite, conflict: conflict})
		result.Changes = append(result.Changes, interfaces.RestoreChange{Path: entry.Path, Action: actionOverwrite})
	}

	if opts.DryRun {
		result.Success = len(result.Failed) == 0
		return result, nil
	}

	hasWrites := false
	for _, pw := range plan {
		if pw.action != actionSkip {
			hasWrites = true
			break
		}
	}

	// Phase 4: safety-net checkpoint of the current workspace, so a
	// failed restore can be undone. Nothing to write means nothing to
	// protect.
	if !opts.SkipSafetyNet && hasWrites {
		safety, err := s.captureForSafetyNet(ctx, cp.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create pre-restore checkpoint: %w", err)
		}
		result.PreRestoreCheckpointID = safety.ID
	}

	// Phase 5: apply writes, verifying each file after copy.
	fails := make(map[string]error)
	for _, pw := range plan {
		if pw.action == actionSkip {
			continue
		}
		if err := s.applyEntry(cp.ID, pw.entry); err != nil {
			fails[pw.entry.Path] = err
			result.Failed = append(result.Failed, interfaces.FileFailure{
				Path:  pw.entry.Path,
				Error: err.Error(),
			})
			continue
		}
		result.Restored = append(result.Restored, pw.entry.Path)
	}

	if len(fails) > 0 && result.PreRestoreCheckpointID != "" {
		// Roll the workspace back to the safety-net checkpoint. A
		// failure here leaves the workspace in an undefined state and
		// is surfaced as unrecoverable.
		if rbErr := s.applyAll(result.PreRestoreCheckpointID); rbErr != nil {
			return result, fmt.Errorf(
				"restore failed for %d file(s) and safety-net rollback also failed (workspace may be inconsistent, safety checkpoint %s): %w",
				len(fails), result.PreRestoreCheckpointID, rbErr)
		}
		result.Restored = nil
		s.emitAudit(interfaces.AuditCheckpointRestored, cp.ID, interfaces.AuditResultFailure, map[string]interface{}{
			"failed_files": len(fails),
			"rolled_back":  true,
		})
		return result, &IOError{Operation: "restore", Failures: fails}
	}

	result.Success = len(result.Failed) == 0
	if result.Success {
		s.logger.Info("Restored checkpoint %s (%d files)", cp.ID, len(result.Restored))
	}
	s.emitAudit(interfaces.AuditCheckpointRestored, cp.ID, auditResult(result.Success), map[string]interface{}{
		"restored": len(result.Restored),
		"failed":   len(result.Failed),
		"dry_run":  false,
	})
	return result, nil
}

func auditResult(success bool) string {
	if success {
		return interfaces.AuditResultSuccess
	}
	return interfaces.AuditResultFailure
}

// captureForSafetyNet takes an automatic checkpoint of the current
// workspace before a restore mutates it
func (s *Store) captureForSafetyNet(ctx context.Context, restoringID string) (*interfaces.Checkpoint, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate checkpoint ID: %w", err)
	}

	cp, err := s.capture(ctx, id, fmt.Sprintf("pre-restore safety net for %s", restoringID), map[string]string{
		"safety_net":  "true",
		"restored_id": restoringID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.manifests.Put(cp.ID, *cp); err != nil {
		_ = os.RemoveAll(s.checkpointDir(cp.ID))
		return nil, fmt.Errorf("failed to persist safety-net manifest: %w", err)
	}
	return cp, nil
}

// verifyStored checks every stored checkpoint file against its manifest
// hash in parallel. Any mismatch aborts with an IntegrityError.
func (s *Store) verifyStored(ctx context.Context, cp *interfaces.Checkpoint) error {
	dir := s.checkpointDir(cp.ID)

	var (
		mu       sync.Mutex
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hashConcurrency)
	for _, entry := range cp.Files {
		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			actual, err := hashFile(filepath.Join(dir, entry.Path))
			if err != nil {
				return &IntegrityError{
					CheckpointID: cp.ID,
					Path:         entry.Path,
					Expected:     entry.Hash,
					Actual:       "unreadable: " + err.Error(),
				}
			}
			if actual != entry.Hash {
				intErr := &IntegrityError{
					CheckpointID: cp.ID,
					Path:         entry.Path,
					Expected:     entry.Hash,
					Actual:       actual,
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = intErr
				}
				mu.Unlock()
				return intErr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if firstErr != nil {
			return firstErr
		}
		return err
	}
	return nil
}

// Compare diffs a checkpoint against the live workspace
func (s *Store) Compare(ctx context.Context, id string) (*interfaces.CompareResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compare canceled: %w", err)
	}

	cp, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	current, err := s.walkWorkspace()
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	currentSet := make(map[string]bool, len(current))
	for _, p := range current {
		currentSet[p] = true
	}

	result := &interfaces.CompareResult{
		CheckpointID: id,
		Added:        []string{},
		Removed:      []string{},
		Modified:     []string{},
	}

	manifestSet := make(map[string]string, len(cp.Files))
	for _, entry := range cp.Files {
		manifestSet[entry.Path] = entry.Hash
		if !currentSet[entry.Path] {
			// In the checkpoint but gone from the workspace.
			result.Removed = append(result.Removed, entry.Path)
			continue
		}
		hash, err := hashFile(filepath.Join(s.workspace, entry.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", entry.Path, err)
		}
		if hash != entry.Hash {
			result.Modified = append(result.Modified, entry.Path)
		} else {
			result.Unchanged++
		}
	}

	for _, p := range current {
		if _, ok := manifestSet[p]; !ok {
			result.Added = append(result.Added, p)
		}
	}

	return result, nil
}

// CompareCheckpoints diffs two checkpoint manifests by path and hash.
// Added and removed are relative to the base checkpoint: a path only in
// the other checkpoint is added, a path only in the base is removed.
// No file content is read; manifests carry the hashes.
func (s *Store) CompareCheckpoints(ctx context.Context, baseID, otherID string) (*interfaces.CompareResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compare canceled: %w", err)
	}

	base, err := s.Get(baseID)
	if err != nil {
		return nil, err
	}
	other, err := s.Get(otherID)
	if err != nil {
		return nil, err
	}

	baseHashes := make(map[string]string, len(base.Files))
	for _, entry := range base.Files {
		baseHashes[entry.Path] = entry.Hash
	}

	result := &interfaces.CompareResult{
		CheckpointID: baseID,
		ComparedTo:   otherID,
		Added:        []string{},
		Removed:      []string{},
		Modified:     []string{},
	}

	inOther := make(map[string]bool, len(other.Files))
	for _, entry := range other.Files {
		inOther[entry.Path] = true
		baseHash, ok := baseHashes[entry.Path]
		switch {
		case !ok:
			result.Added = append(result.Added, entry.Path)
		case baseHash != entry.Hash:
			result.Modified = append(result.Modified, entry.Path)
		default:
			result.Unchanged++
		}
	}
	for _, entry := range base.Files {
		if !inOther[entry.Path] {
			result.Removed = append(result.Removed, entry.Path)
		}
	}

	return result, nil
}

// Validate checks a checkpoint's integrity without mutating anything
func (s *Store) Validate(id string) (*interfaces.ValidationReport, error) {
	report := &interfaces.ValidationReport{CheckpointID: id, Valid: true}

	addCheck := func(name string, passed bool, detail string) {
		report.Checks = append(report.Checks, interfaces.ValidationCheck{
			Name:   name,
			Passed: passed,
			Detail: detail,
		})
		if !passed {
			report.Valid = false
		}
	}

	cp, ok, err := s.manifests.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint manifest: %w", err)
	}
	addCheck("manifest_present", ok, "")
	if !ok {
		return report, nil
	}

	addCheck("metadata_complete", cp.ID != "" && !cp.CreatedAt.IsZero() && cp.FileCount == len(cp.Files), "")

	dir := s.checkpointDir(id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		addCheck("storage_present", false, "checkpoint directory missing")
		return report, nil
	}
	addCheck("storage_present", true, "")

	mismatches := 0
	for _, entry := range cp.Files {
		actual, err := hashFile(filepath.Join(dir, entry.Path))
		if err != nil || actual != entry.Hash {
			mismatches++
		}
	}
	detail := ""
	if mismatches > 0 {
		detail = fmt.Sprintf("%d file(s) failed checksum verification", mismatches)
	}
	addCheck("checksums_verified", mismatches == 0, detail)

	return report, nil
}

// applyAll copies every file of a checkpoint into the workspace without
// conflict handling. Used for safety-net rollback, where the checkpoint
// was taken moments ago and the workspace must match it exactly.
func (s *Store) applyAll(id string) error {
	cp, err := s.Get(id)
	if err != nil {
		return err
	}
	for _, entry := range cp.Files {
		if err := s.applyEntry(id, entry); err != nil {
			return err
		}
	}
	return nil
}

// applyEntry copies one stored file into the workspace and verifies the
// written bytes against the manifest hash
func (s *Store) applyEntry(id string, entry interfaces.ManifestEntry) error {
	src := filepath.Join(s.checkpointDir(id), entry.Path)
	dst := filepath.Join(s.workspace, entry.Path)

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", entry.Path, err)
	}

	in, err := os.Open(src) // #nosec G304 - path derives from manifest
	if err != nil {
		return fmt.Errorf("failed to open stored copy of %s: %w", entry.Path, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", entry.Path, err)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", entry.Path, err)
	}

	written, err := hashFile(dst)
	if err != nil {
		return fmt.Errorf("failed to verify %s after write: %w", entry.Path, err)
	}
	if written != entry.Hash {
		return &IntegrityError{
			CheckpointID: id,
			Path:         entry.Path,
			Expected:     entry.Hash,
			Actual:       written,
		}
	}
	return nil
}

package checkpoint

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/pkg/logging"
)

const (
	// bookkeepingDir holds checkpoint storage inside the workspace and
	// is excluded from every walk, snapshot, and diff.
	bookkeepingDir = ".rollguard"

	// hashConcurrency bounds parallel file hashing within one operation
	hashConcurrency = 4

	defaultPoolSize = 2
)

// Store captures and restores workspace snapshots. All file copy and
// hash work runs on a dedicated worker pool so checkpoint I/O never
// competes with monitoring control loops for goroutines.
type Store struct {
	workspace string
	baseDir   string
	manifests interfaces.RecordStore[interfaces.Checkpoint]
	pool      *workerpool.WorkerPool
	archiver  interfaces.CheckpointArchiver
	audit     interfaces.AuditSink
	logger    *logging.Logger

	// opMu serializes mutating operations (create, restore, delete,
	// cleanup) so a restore never races a cleanup deleting the same
	// checkpoint directory.
	opMu sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithArchiver sets the long-term archive backend used by Cleanup
func WithArchiver(archiver interfaces.CheckpointArchiver) Option {
	return func(s *Store) {
		s.archiver = archiver
	}
}

// WithAuditSink sets the audit sink for checkpoint lifecycle events
func WithAuditSink(sink interfaces.AuditSink) Option {
	return func(s *Store) {
		s.audit = sink
	}
}

// WithPoolSize sets the worker pool size for checkpoint I/O
func WithPoolSize(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.pool = workerpool.New(size)
		}
	}
}

// NewStore creates a checkpoint store rooted at the given workspace.
// Checkpoint data lives under workspace/.rollguard/checkpoints.
func NewStore(workspace string, manifests interfaces.RecordStore[interfaces.Checkpoint], opts ...Option) (*Store, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace path cannot be empty")
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	s := &Store{
		workspace: abs,
		baseDir:   filepath.Join(abs, bookkeepingDir, "checkpoints"),
		manifests: manifests,
		pool:      workerpool.New(defaultPoolSize),
		logger:    logging.NewLogger("checkpoint-store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return s, nil
}

// Stop drains the worker pool, waiting for in-flight checkpoint I/O
func (s *Store) Stop() {
	s.pool.StopWait()
}

// checkpointDir returns the storage directory for a checkpoint ID
func (s *Store) checkpointDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// Create captures a snapshot of every file in the workspace. The
// snapshot is all-or-nothing: any failure removes partial data and no
// manifest is recorded.
func (s *Store) Create(ctx context.Context, description string, tags map[string]string) (*interfaces.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("create canceled before start: %w", err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate checkpoint ID: %w", err)
	}

	var (
		cp     *interfaces.Checkpoint
		runErr error
		done   = make(chan struct{})
	)
	s.pool.Submit(func() {
		defer close(done)
		cp, runErr = s.capture(ctx, id, description, tags)
	})
	<-done

	if runErr != nil {
		s.emitAudit(interfaces.AuditCheckpointCreated, id, interfaces.AuditResultFailure, nil)
		return nil, runErr
	}

	if err := s.manifests.Put(cp.ID, *cp); err != nil {
		_ = os.RemoveAll(s.checkpointDir(id))
		return nil, fmt.Errorf("failed to persist checkpoint manifest: %w", err)
	}

	s.logger.Info("Created checkpoint %s (%d files, %d bytes)", cp.ID, cp.FileCount, cp.TotalBytes)
	s.emitAudit(interfaces.AuditCheckpointCreated, cp.ID, interfaces.AuditResultSuccess, map[string]interface{}{
		"file_count":  cp.FileCount,
		"total_bytes": cp.TotalBytes,
	})
	return cp, nil
}

// capture does the walk, copy, and hash work for Create
func (s *Store) capture(ctx context.Context, id, description string, tags map[string]string) (*interfaces.Checkpoint, error) {
	paths, err := s.walkWorkspace()
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}

	dir := s.checkpointDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint storage: %w", err)
	}

	var (
		mu      sync.Mutex
		entries = make([]interfaces.ManifestEntry, 0, len(paths))
		fails   = make(map[string]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hashConcurrency)
	for _, rel := range paths {
		rel := rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := s.captureFile(dir, rel)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails[rel] = err
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = os.RemoveAll(dir)
		if len(fails) > 0 {
			return nil, &IOError{Operation: "create", Failures: fails}
		}
		return nil, fmt.Errorf("checkpoint capture canceled: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	return &interfaces.Checkpoint{
		ID:          id,
		Description: description,
		Tags:        tags,
		Files:       entries,
		FileCount:   len(entries),
		TotalBytes:  total,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// captureFile copies one workspace file into the checkpoint directory,
// hashing it during the copy
func (s *Store) captureFile(dir, rel string) (interfaces.ManifestEntry, error) {
	src := filepath.Join(s.workspace, rel)
	dst := filepath.Join(dir, rel)

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return interfaces.ManifestEntry{}, fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	in, err := os.Open(src) // #nosec G304 - rel comes from a workspace walk
	if err != nil {
		return interfaces.ManifestEntry{}, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return interfaces.ManifestEntry{}, fmt.Errorf("failed to create %s: %w", rel, err)
	}

	hasher := sha256.New()
	size, err := io.Copy(out, io.TeeReader(in, hasher))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return interfaces.ManifestEntry{}, fmt.Errorf("failed to copy %s: %w", rel, err)
	}

	return interfaces.ManifestEntry{
		Path: rel,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: size,
	}, nil
}

// walkWorkspace returns the sorted relative paths of all regular files
// in the workspace, excluding the bookkeeping directory
func (s *Store) walkWorkspace() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == bookkeepingDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.workspace, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// hashFile computes the hex SHA-256 of a file
func hashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path derives from manifest entries
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Get returns the manifest for a checkpoint ID
func (s *Store) Get(id string) (*interfaces.Checkpoint, error) {
	cp, ok, err := s.manifests.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint manifest: %w", err)
	}
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return &cp, nil
}

// List returns up to limit checkpoints, newest first. limit <= 0
// returns all of them.
func (s *Store) List(limit int) ([]interfaces.Checkpoint, error) {
	all, err := s.manifests.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint manifests: %w", err)
	}

	out := make([]interfaces.Checkpoint, 0, len(all))
	for _, cp := range all {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a checkpoint's storage and manifest together
func (s *Store) Delete(id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}

	if err := os.RemoveAll(s.checkpointDir(id)); err != nil {
		return fmt.Errorf("failed to remove checkpoint storage: %w", err)
	}
	if err := s.manifests.Delete(id); err != nil {
		return fmt.Errorf("failed to remove checkpoint manifest: %w", err)
	}

	s.emitAudit(interfaces.AuditCheckpointDeleted, id, interfaces.AuditResultSuccess, nil)
	return nil
}

// Cleanup applies a retention policy. The KeepLatest newest checkpoints
// always survive regardless of age; beyond those, checkpoints are
// removed when older than MaxAge or beyond MaxCount.
func (s *Store) Cleanup(ctx context.Context, policy interfaces.CleanupPolicy) (*interfaces.CleanupResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	all, err := s.List(0)
	if err != nil {
		return nil, err
	}

	result := &interfaces.CleanupResult{}
	cutoff := time.Time{}
	if policy.MaxAge > 0 {
		cutoff = time.Now().UTC().Add(-policy.MaxAge)
	}

	for i, cp := range all {
		if i < policy.KeepLatest {
			continue
		}

		remove := false
		if policy.MaxCount > 0 && i >= policy.MaxCount {
			remove = true
		}
		if !cutoff.IsZero() && cp.CreatedAt.Before(cutoff) {
			remove = true
		}
		if !remove {
			continue
		}

		if policy.Archive && s.archiver != nil {
			bundle, err := s.bundle(cp.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to bundle checkpoint %s for archive: %w", cp.ID, err)
			}
			if err := s.archiver.Archive(ctx, cp.ID, bundle); err != nil {
				return nil, fmt.Errorf("failed to archive checkpoint %s: %w", cp.ID, err)
			}
			result.Archived = append(result.Archived, cp.ID)
		}

		if err := s.deleteLocked(cp.ID); err != nil {
			return nil, fmt.Errorf("failed to delete checkpoint %s: %w", cp.ID, err)
		}
		result.Removed = append(result.Removed, cp.ID)
	}

	result.Kept = len(all) - len(result.Removed)
	s.logger.Info("Cleanup removed %d checkpoint(s), kept %d", len(result.Removed), result.Kept)
	return result, nil
}

// bundle packs a checkpoint directory into a gzipped tar for archiving
func (s *Store) bundle(id string) ([]byte, error) {
	cp, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	dir := s.checkpointDir(id)
	for _, entry := range cp.Files {
		path := filepath.Join(dir, entry.Path)
		data, err := os.ReadFile(path) // #nosec G304 - path derives from manifest
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Path, err)
		}
		hdr := &tar.Header{
			Name:    entry.Path,
			Mode:    0o600,
			Size:    int64(len(data)),
			ModTime: cp.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header for %s: %w", entry.Path, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write tar data for %s: %w", entry.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// emitAudit sends a checkpoint lifecycle event if a sink is configured
func (s *Store) emitAudit(kind, id, result string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(interfaces.AuditEvent{
		Kind:      kind,
		Actor:     "checkpoint-store",
		Resource:  id,
		Result:    result,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
}

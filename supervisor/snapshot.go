// Package supervisor implements the immortal parent of the worker child:
// spawn, health monitoring, bounded restarts with snapshot rollback, and
// the primary tool surface multiplexed over the worker's own tools.
package supervisor

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/barrhawk/labcore/core"
)

// Snapshot kinds.
const (
	SnapshotInitial = "initial"
	SnapshotAuto    = "auto"
	SnapshotManual  = "manual"
)

// Snapshot is a restorable archive of the worker's tools directory.
type Snapshot struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	ToolCount int       `json:"toolCount"`
	Name      string    `json:"name,omitempty"`
}

const (
	metaFileName    = "meta.json"
	archiveFileName = "archive.tgz"
)

// SnapshotStore manages the snapshots directory: one subdirectory per
// snapshot holding meta.json and archive.tgz. Archives are written once
// and never mutated after close.
type SnapshotStore struct {
	dir       string
	toolsDir  string
	retention int
	logger    core.Logger
}

// NewSnapshotStore creates the store, creating the directory if missing.
func NewSnapshotStore(dir, toolsDir string, retention int, logger core.Logger) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.NewCoreError("supervisor.NewSnapshotStore", core.KindFatal, err)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if retention <= 0 {
		retention = 10
	}
	return &SnapshotStore{
		dir:       dir,
		toolsDir:  toolsDir,
		retention: retention,
		logger:    core.ComponentLogger(logger, "supervisor/snapshots"),
	}, nil
}

// EnsureInitial creates the initial snapshot when the store is empty.
func (s *SnapshotStore) EnsureInitial() (*Snapshot, error) {
	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) > 0 {
		return nil, nil
	}
	return s.Create(SnapshotInitial, "")
}

// Create archives the tools directory. The snapshot id is content
// addressed: the hex prefix of the archive hash plus a timestamp suffix
// for human ordering.
func (s *SnapshotStore) Create(kind, name string) (*Snapshot, error) {
	tmp, err := os.CreateTemp(s.dir, "archive-*.tgz")
	if err != nil {
		return nil, core.NewCoreError("supervisor.Snapshot.Create", core.KindToolLoad, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	toolCount, err := writeArchive(io.MultiWriter(tmp, hasher), s.toolsDir)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, core.NewCoreError("supervisor.Snapshot.Create", core.KindToolLoad, err)
	}

	id := fmt.Sprintf("%s-%d", hex.EncodeToString(hasher.Sum(nil))[:12], time.Now().UnixNano())
	snapDir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, core.NewCoreError("supervisor.Snapshot.Create", core.KindFatal, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(snapDir, archiveFileName)); err != nil {
		return nil, core.NewCoreError("supervisor.Snapshot.Create", core.KindFatal, err)
	}

	snap := &Snapshot{
		ID:        id,
		Kind:      kind,
		CreatedAt: time.Now(),
		ToolCount: toolCount,
		Name:      name,
	}
	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(snapDir, metaFileName), meta, 0o644); err != nil {
		return nil, core.NewCoreError("supervisor.Snapshot.Create", core.KindFatal, err)
	}

	s.logger.Info("Snapshot created", map[string]interface{}{
		"id":         id,
		"kind":       kind,
		"tool_count": toolCount,
	})

	if err := s.enforceRetention(); err != nil {
		s.logger.Warn("Snapshot retention sweep failed", map[string]interface{}{"error": err})
	}
	return snap, nil
}

// List returns snapshots ordered newest-first.
func (s *SnapshotStore) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, core.NewCoreError("supervisor.Snapshot.List", core.KindToolLoad, err)
	}
	var snaps []*Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name(), metaFileName))
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		snaps = append(snaps, &snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// Get returns one snapshot by id.
func (s *SnapshotStore) Get(id string) (*Snapshot, error) {
	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap.ID == id {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("snapshot %q not found", id)
}

// Restore replaces the tools directory contents with the snapshot's
// archive. The target directory is recreated, never merged.
func (s *SnapshotStore) Restore(id string) error {
	archive := filepath.Join(s.dir, id, archiveFileName)
	f, err := os.Open(archive)
	if err != nil {
		return core.NewCoreError("supervisor.Snapshot.Restore", core.KindWorkerCrash, err)
	}
	defer f.Close()

	if err := os.RemoveAll(s.toolsDir); err != nil {
		return core.NewCoreError("supervisor.Snapshot.Restore", core.KindWorkerCrash, err)
	}
	if err := os.MkdirAll(s.toolsDir, 0o755); err != nil {
		return core.NewCoreError("supervisor.Snapshot.Restore", core.KindWorkerCrash, err)
	}
	if err := extractArchive(f, s.toolsDir); err != nil {
		return core.NewCoreError("supervisor.Snapshot.Restore", core.KindWorkerCrash, err)
	}

	s.logger.Info("Snapshot restored", map[string]interface{}{"id": id})
	return nil
}

// HasInitial reports whether an initial snapshot exists.
func (s *SnapshotStore) HasInitial() bool {
	snaps, err := s.List()
	if err != nil {
		return false
	}
	for _, snap := range snaps {
		if snap.Kind == SnapshotInitial {
			return true
		}
	}
	return false
}

// enforceRetention drops the oldest snapshots beyond the ring size. The
// initial snapshot is never evicted; it is the rollback of last resort.
func (s *SnapshotStore) enforceRetention() error {
	snaps, err := s.List()
	if err != nil {
		return err
	}
	if len(snaps) <= s.retention {
		return nil
	}
	for _, snap := range snaps[s.retention:] {
		if snap.Kind == SnapshotInitial {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, snap.ID)); err != nil {
			return err
		}
		s.logger.Info("Snapshot evicted", map[string]interface{}{"id": snap.ID})
	}
	return nil
}

// writeArchive tars and gzips the directory, returning the number of
// regular files archived.
func writeArchive(w io.Writer, dir string) (int, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	count := 0

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	return count, gz.Close()
}

// extractArchive unpacks a tar.gz stream into dir, refusing entries that
// would escape it.
func extractArchive(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.Contains(hdr.Name, "..") {
			return fmt.Errorf("archive entry escapes target dir: %q", hdr.Name)
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		_, err = io.Copy(f, tr)
		cerr := f.Close()
		if err != nil {
			return err
		}
		if cerr != nil {
			return cerr
		}
	}
}

// Package filestore implements the versioned file store: it maps a
// logical, client-visible path to zero or more on-disk physical versions,
// issues read/write file descriptors, and reconciles versions on close and
// on shutdown.
package filestore

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "filestore")

const tmpDirName = ".tmp"

// OpenMode selects whether Open returns a descriptor for reading the
// current version or for writing a brand new one.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	WriteOnly
)

// FileEntry is one physical realization of a logical path at some point in
// time.
type FileEntry struct {
	LogicalPath  string
	PhysicalPath string
	ModTime      time.Time
}

// FileStore maps logical paths to on-disk physical versions. All public
// operations take store.mu; OS calls happen while holding it, which is
// acceptable because they never block indefinitely against a local
// filesystem.
type FileStore struct {
	root string

	mu            sync.Mutex
	versions      map[string][]*FileEntry
	openReaders   map[int]*FileEntry
	openWriters   map[int]*FileEntry
	writersByPath map[string]*FileEntry

	// trackedFiles keeps the *os.File alive for every fd we've handed out
	// as a raw int (os.File finalizes by closing its fd, which would race
	// with the engine's raw-fd reads/writes otherwise).
	trackedFiles map[int]*os.File
}

// New constructs a store rooted at root and walks the tree to seed
// versions.
func New(root string) (*FileStore, error) {
	fstore := &FileStore{
		root:          root,
		versions:      make(map[string][]*FileEntry),
		openReaders:   make(map[int]*FileEntry),
		openWriters:   make(map[int]*FileEntry),
		writersByPath: make(map[string]*FileEntry),
		trackedFiles:  make(map[int]*os.File),
	}
	if err := fstore.load(); err != nil {
		return nil, errors.Wrap(err, "filestore: initial load failed")
	}
	return fstore, nil
}

// load walks root, skipping .tmp, invoking update for every regular file
// found.
func (s *FileStore) load() error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return os.MkdirAll(s.root, 0777)
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == tmpDirName && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if rel == filepath.Base(s.root) {
			return nil
		}
		logical := toLogical(rel, s.root)
		if logical == "" {
			return nil
		}
		return s.update(logical)
	})
}

// toLogical strips a leading .tmp/<logical>/<token> prefix down to
// <logical>, or returns rel unchanged for a canonical path.
func toLogical(rel, root string) string {
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, tmpDirName+"/") {
		parts := strings.Split(rel, "/")
		if len(parts) < 3 {
			return ""
		}
		return strings.Join(parts[1:len(parts)-1], "/")
	}
	return rel
}

// update collects root/logicalPath (if present) and every file under
// root/.tmp/<logicalPath>/, sorts by mtime ascending, deletes every entry
// that is neither last nor canonical (unless a writer is in flight on it),
// and appends the rest to versions[logicalPath].
func (s *FileStore) update(logicalPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(logicalPath)
}

func (s *FileStore) updateLocked(logicalPath string) error {
	canonical := filepath.Join(s.root, filepath.FromSlash(logicalPath))
	tmpDir := filepath.Join(s.root, tmpDirName, filepath.FromSlash(logicalPath))

	type candidate struct {
		path    string
		mtime   time.Time
		canon   bool
		present bool
	}
	var candidates []candidate

	if fi, err := os.Stat(canonical); err == nil && fi.Mode().IsRegular() {
		candidates = append(candidates, candidate{path: canonical, mtime: fi.ModTime(), canon: true, present: true})
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	if entries, err := os.ReadDir(tmpDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{path: filepath.Join(tmpDir, e.Name()), mtime: fi.ModTime(), present: true})
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })

	writer := s.writersByPath[logicalPath]
	s.versions[logicalPath] = nil
	for i, c := range candidates {
		isLast := i == len(candidates)-1
		if writer != nil && writer.PhysicalPath == c.path {
			s.versions[logicalPath] = append(s.versions[logicalPath], &FileEntry{
				LogicalPath: logicalPath, PhysicalPath: c.path, ModTime: c.mtime,
			})
			continue
		}
		if !isLast && !c.canon {
			if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
				log.WithError(err).WithField("path", c.path).Warn("filestore: failed to reclaim stale version")
			}
			continue
		}
		s.versions[logicalPath] = append(s.versions[logicalPath], &FileEntry{
			LogicalPath: logicalPath, PhysicalPath: c.path, ModTime: c.mtime,
		})
	}
	return nil
}

// Open returns a raw fd for logicalPath. For ReadOnly it returns an OS read
// descriptor for the most recent version, scanning the disk first if this
// logical path has not been seen (-1, ErrNotExist if no version exists).
// For WriteOnly it creates a fresh .tmp entry and registers it as an
// in-flight writer.
func (s *FileStore) Open(logicalPath string, mode OpenMode) (fd int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == ReadOnly {
		if _, ok := s.versions[logicalPath]; !ok {
			if err := s.updateLocked(logicalPath); err != nil {
				return -1, err
			}
		}
		versions := s.versions[logicalPath]
		if len(versions) == 0 {
			return -1, os.ErrNotExist
		}
		entry := versions[len(versions)-1]
		f, err := os.Open(entry.PhysicalPath)
		if err != nil {
			return -1, errors.Wrap(err, "filestore: open for read failed")
		}
		fd = int(f.Fd())
		s.openReaders[fd] = entry
		s.trackedFiles[fd] = f
		return fd, nil
	}

	dir := filepath.Join(s.root, tmpDirName, filepath.FromSlash(logicalPath))
	if err := os.MkdirAll(dir, 0777); err != nil {
		return -1, errors.Wrap(err, "filestore: mkdir for write failed")
	}
	token := strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + uuid.NewString()
	physical := filepath.Join(dir, token)
	f, err := os.OpenFile(physical, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return -1, errors.Wrap(err, "filestore: open for write failed")
	}
	entry := &FileEntry{LogicalPath: logicalPath, PhysicalPath: physical, ModTime: time.Now()}
	fd = int(f.Fd())
	s.openWriters[fd] = entry
	s.writersByPath[logicalPath] = entry
	s.trackedFiles[fd] = f
	return fd, nil
}

// Close releases fd: a reader's close may reclaim its entry if superseded,
// a writer's close publishes its entry as the new latest version and
// reclaims any superseded versions with no other owner.
func (s *FileStore) Close(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.trackedFiles[fd]
	if !ok {
		return errors.Errorf("filestore: close of unknown fd %d", fd)
	}
	delete(s.trackedFiles, fd)

	if entry, ok := s.openReaders[fd]; ok {
		delete(s.openReaders, fd)
		closeErr := f.Close()
		s.reclaimIfOrphaned(entry)
		return closeErr
	}

	entry, ok := s.openWriters[fd]
	if !ok {
		return f.Close()
	}
	delete(s.openWriters, fd)
	delete(s.writersByPath, entry.LogicalPath)
	closeErr := f.Close()

	canonical := filepath.Join(s.root, filepath.FromSlash(entry.LogicalPath))
	for _, old := range s.versions[entry.LogicalPath] {
		if old.PhysicalPath == canonical || old.PhysicalPath == entry.PhysicalPath {
			continue
		}
		if s.hasOtherOwner(old) {
			continue
		}
		if err := os.Remove(old.PhysicalPath); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", old.PhysicalPath).Warn("filestore: failed to remove superseded version")
		}
	}
	s.versions[entry.LogicalPath] = append(s.versions[entry.LogicalPath], entry)
	return closeErr
}

// hasOtherOwner reports whether entry is currently held open by a reader,
// meaning it cannot yet be physically deleted.
func (s *FileStore) hasOtherOwner(entry *FileEntry) bool {
	for _, r := range s.openReaders {
		if r == entry {
			return true
		}
	}
	return false
}

// reclaimIfOrphaned deletes entry's on-disk file and removes it from
// versions if it is historical (not the current version) and no longer
// referenced by any open reader.
func (s *FileStore) reclaimIfOrphaned(entry *FileEntry) {
	versions := s.versions[entry.LogicalPath]
	if len(versions) == 0 {
		return
	}
	if versions[len(versions)-1] == entry {
		return // current version, never reclaimed here
	}
	if s.hasOtherOwner(entry) {
		return
	}
	for i, v := range versions {
		if v == entry {
			s.versions[entry.LogicalPath] = append(versions[:i:i], versions[i+1:]...)
			break
		}
	}
	if err := os.Remove(entry.PhysicalPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", entry.PhysicalPath).Warn("filestore: failed to remove orphaned version")
	}
}

// PhysicalPath joins logicalPath onto root without touching the disk —
// used by callers (LIST's directory listing) that need a real filesystem
// path rather than a store-managed file descriptor.
func (s *FileStore) PhysicalPath(logicalPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(logicalPath))
}

// Stat resolves logicalPath to information about its current version,
// without opening it — used by CWD/RETR path validation so protocol
// handlers never reach past the store's mutex into raw os.Stat calls on
// root-joined paths. A path with no known file version (a directory, or a
// path the store has not seen) is stat'ed at its canonical location.
func (s *FileStore) Stat(logicalPath string) (os.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if versions := s.versions[logicalPath]; len(versions) > 0 {
		return os.Stat(versions[len(versions)-1].PhysicalPath)
	}
	return os.Stat(filepath.Join(s.root, filepath.FromSlash(logicalPath)))
}

// Shutdown reconciles every logical path: the latest physical path is
// renamed onto root/logicalPath (replacing the canonical file) and every
// other physical path is removed.
func (s *FileStore) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for logicalPath, versions := range s.versions {
		if len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]
		canonical := filepath.Join(s.root, filepath.FromSlash(logicalPath))
		if latest.PhysicalPath != canonical {
			if err := os.MkdirAll(filepath.Dir(canonical), 0777); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := os.Rename(latest.PhysicalPath, canonical); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, v := range versions {
			if v == latest || v.PhysicalPath == canonical {
				continue
			}
			if err := os.Remove(v.PhysicalPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		}
	}
	_ = os.RemoveAll(filepath.Join(s.root, tmpDirName))
	return firstErr
}

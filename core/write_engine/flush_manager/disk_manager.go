package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// BackingResource is a randomly addressable byte container. The storage
// engine only ever touches real bytes through this contract.
type BackingResource interface {
	Name() string
	Exists() bool
	Size() (int64, error)
	// ReadAt fills p from off; bytes past the end of the resource read as zero.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Delete() error
	Sync() error
	Close() error
}

// DiskManager hands out file-backed resources rooted at one data directory.
// A resource name maps to exactly one *FileResource for the lifetime of the
// manager, so every user of a name shares one file handle.
type DiskManager struct {
	dir      string
	readOnly bool
	logger   *zap.Logger

	mu        sync.Mutex
	resources map[string]*FileResource
}

// NewDiskManager creates the data directory if needed.
func NewDiskManager(dir string, readOnly bool, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !readOnly {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	return &DiskManager{
		dir:       dir,
		readOnly:  readOnly,
		logger:    logger.Named("disk_manager"),
		resources: make(map[string]*FileResource),
	}, nil
}

// Dir returns the data directory.
func (dm *DiskManager) Dir() string { return dm.dir }

// Resource returns the shared handle for name.
func (dm *DiskManager) Resource(name string) (*FileResource, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if r, ok := dm.resources[name]; ok {
		return r, nil
	}
	r := &FileResource{
		name:     name,
		path:     filepath.Join(dm.dir, filepath.FromSlash(name)),
		readOnly: dm.readOnly,
		logger:   dm.logger,
	}
	dm.resources[name] = r
	return r, nil
}

// CloseAll closes every handle the manager has given out.
func (dm *DiskManager) CloseAll() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	var firstErr error
	for _, r := range dm.resources {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SyncAll flushes every open handle to stable storage.
func (dm *DiskManager) SyncAll() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for _, r := range dm.resources {
		if err := r.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateName rejects names that would escape the data directory.
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// FileResource is a BackingResource stored in a single file.
type FileResource struct {
	name     string
	path     string
	readOnly bool
	logger   *zap.Logger

	mu   sync.RWMutex
	file *os.File
}

var _ BackingResource = (*FileResource)(nil)

func (r *FileResource) Name() string { return r.name }
func (r *FileResource) Path() string { return r.path }

func (r *FileResource) Exists() bool {
	_, err := os.Stat(r.path)
	return err == nil
}

func (r *FileResource) Size() (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.file != nil {
		info, err := r.file.Stat()
		if err != nil {
			return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, r.path, err)
		}
		return info.Size(), nil
	}
	info, err := os.Stat(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, r.path, err)
	}
	return info.Size(), nil
}

// openLocked opens the file, creating it when create is set. Returns false
// without error when the file does not exist and create is not set.
// This method MUST be called with r.mu locked for writing.
func (r *FileResource) openLocked(create bool) (bool, error) {
	if r.file != nil {
		return true, nil
	}
	flags := os.O_RDWR
	if r.readOnly {
		flags = os.O_RDONLY
	}
	if create {
		if r.readOnly {
			return false, fmt.Errorf("%w: %s", ErrStoreReadOnly, r.name)
		}
		if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
			return false, fmt.Errorf("%w: creating directory for %s: %v", ErrIO, r.name, err)
		}
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(r.path, flags, 0644)
	if errors.Is(err, os.ErrNotExist) && !create {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: opening %s: %v", ErrIO, r.path, err)
	}
	r.file = f
	return true, nil
}

func (r *FileResource) ReadAt(p []byte, off int64) (int, error) {
	clear(p)
	r.mu.RLock()
	if r.file != nil {
		defer r.mu.RUnlock()
		return r.readLocked(p, off)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.openLocked(false)
	if err != nil {
		return 0, err
	}
	if !ok {
		return len(p), nil
	}
	return r.readLocked(p, off)
}

// readLocked MUST be called with r.mu held and r.file open.
func (r *FileResource) readLocked(p []byte, off int64) (int, error) {
	n, err := r.file.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: reading %s at %d: %v", ErrIO, r.name, off, err)
	}
	return len(p), nil
}

func (r *FileResource) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.openLocked(true); err != nil {
		return 0, err
	}
	n, err := r.file.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("%w: writing %s at %d: %v", ErrIO, r.name, off, err)
	}
	return n, nil
}

// Truncate resizes the file, creating it if it does not exist yet.
func (r *FileResource) Truncate(size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.openLocked(true); err != nil {
		return err
	}
	if err := r.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncating %s to %d: %v", ErrIO, r.name, size, err)
	}
	return nil
}

// Delete closes and removes the file. Deleting a missing file is not an error.
func (r *FileResource) Delete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: deleting %s: %v", ErrIO, r.path, err)
	}
	r.logger.Debug("Deleted backing resource", zap.String("name", r.name))
	return nil
}

func (r *FileResource) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.file == nil {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, r.name, err)
	}
	return nil
}

func (r *FileResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, r.name, err)
	}
	return nil
}

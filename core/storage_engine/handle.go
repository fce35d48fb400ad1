package storageengine

import (
	"errors"
	"fmt"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

// Handle is one open of a resource. A Handle must not be used from several
// goroutines at once; open one handle per goroutine instead.
type Handle struct {
	store    *Store
	res      *Resource
	gen      uint64
	readOnly bool
	locks    int // Lock depth; while positive, operations are already admitted
	closed   bool
}

func (h *Handle) Name() string { return h.res.Name() }

// Size returns the logical size of the resource.
func (h *Handle) Size() int64 { return h.res.Size() }

func (h *Handle) enter() error {
	if h.closed {
		return fmt.Errorf("%w: %s", flushmanager.ErrResourceNotOpen, h.res.Name())
	}
	if h.locks > 0 {
		return nil
	}
	return h.store.enter()
}

func (h *Handle) exit() {
	if h.locks == 0 {
		h.store.exit()
	}
}

func checkRange(bufLen int, offset int64, index, length int) error {
	if offset < 0 || index < 0 || length < 0 || index+length > bufLen {
		return fmt.Errorf("%w: offset %d, index %d, length %d, buffer %d", flushmanager.ErrInvalidOffset, offset, index, length, bufLen)
	}
	return nil
}

// Read fills buf[index:index+length] from offset. Reads are clamped to the
// resource size; a short read returns io.EOF along with the count.
func (h *Handle) Read(offset int64, buf []byte, index, length int) (int, error) {
	if err := checkRange(len(buf), offset, index, length); err != nil {
		return 0, err
	}
	if err := h.enter(); err != nil {
		return 0, err
	}
	defer h.exit()
	return h.res.readAt(h.gen, buf[index:index+length], offset)
}

// Write stores buf[index:index+length] at offset, growing the resource if
// the write ends past its size.
func (h *Handle) Write(offset int64, buf []byte, index, length int) error {
	if err := checkRange(len(buf), offset, index, length); err != nil {
		return err
	}
	if h.readOnly {
		return fmt.Errorf("%w: %s", flushmanager.ErrResourceReadOnly, h.res.Name())
	}
	if err := h.enter(); err != nil {
		return err
	}
	defer h.exit()
	return h.res.writeAt(h.gen, buf[index:index+length], offset)
}

// SetSize grows or shrinks the resource to n bytes.
func (h *Handle) SetSize(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: size %d", flushmanager.ErrInvalidOffset, n)
	}
	if h.readOnly {
		return fmt.Errorf("%w: %s", flushmanager.ErrResourceReadOnly, h.res.Name())
	}
	if err := h.enter(); err != nil {
		return err
	}
	defer h.exit()
	return h.res.setSize(h.gen, n)
}

// Lock holds the store's write gate open for this handle so that no
// checkpoint falls between the operations issued until Unlock. Locks nest.
// While any handle is locked, Store.Checkpoint and Store.Close fail with
// ErrStoreLocked.
func (h *Handle) Lock() error {
	if h.closed {
		return fmt.Errorf("%w: %s", flushmanager.ErrResourceNotOpen, h.res.Name())
	}
	if h.locks == 0 {
		if err := h.store.hold(); err != nil {
			return err
		}
	}
	h.locks++
	return nil
}

func (h *Handle) Unlock() error {
	if h.locks == 0 {
		return fmt.Errorf("unlock of unlocked handle %s", h.res.Name())
	}
	h.locks--
	if h.locks == 0 {
		h.store.release()
	}
	return nil
}

// Close releases the handle. Closing a handle whose resource was deleted, or
// whose store was already closed, is not an error.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	if h.locks > 0 {
		h.locks = 0
		h.store.release()
	}
	if err := h.store.enter(); err != nil {
		h.closed = true
		return nil
	}
	defer h.store.exit()
	h.closed = true
	if err := h.res.close(h.gen); err != nil && !errors.Is(err, flushmanager.ErrResourceNotOpen) {
		return err
	}
	return nil
}

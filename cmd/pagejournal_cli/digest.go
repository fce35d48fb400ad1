package main

import (
	"encoding/hex"
	"errors"
	"io"

	"github.com/zeebo/blake3"

	storageengine "github.com/sushant-115/pagejournal/core/storage_engine"
)

const digestChunk = 64 * 1024

// digestResource returns the hex BLAKE3 digest of name's content and its size.
func digestResource(store *storageengine.Store, name string) (string, int64, error) {
	h, err := store.OpenResource(name)
	if err != nil {
		return "", 0, err
	}
	defer h.Close()

	// No checkpoint runs while the handle is locked.
	if err := h.Lock(); err != nil {
		return "", 0, err
	}
	defer h.Unlock()

	hasher := blake3.New()
	size := h.Size()
	buf := make([]byte, digestChunk)
	for off := int64(0); off < size; {
		n, err := h.Read(off, buf, 0, len(buf))
		if err != nil && !errors.Is(err, io.EOF) {
			return "", 0, err
		}
		if n == 0 {
			break
		}
		_, _ = hasher.Write(buf[:n])
		off += int64(n)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

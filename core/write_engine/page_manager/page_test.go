package pagemanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPage_DirtyRangeWidens(t *testing.T) {
	p := NewPage(PageKey{ResourceID: 1, PageNumber: 2})
	require.Equal(t, int32(2), p.RefCount())
	require.True(t, p.IsResident())

	p.Lock()
	defer p.Unlock()
	require.NoError(t, p.Materialize(16, func(buf []byte) error {
		copy(buf, "0123456789abcdef")
		return nil
	}))
	require.False(t, p.IsDirty())

	p.WriteFrom([]byte("XX"), 6)
	p.WriteFrom([]byte("Y"), 2)
	p.WriteFrom([]byte("ZZZ"), 10)
	from, to := p.DirtyRange()
	require.Equal(t, 2, from)
	require.Equal(t, 13, to)
	require.Equal(t, "01Y345XX89ZZZdef", string(p.Data()))

	p.MarkClean()
	require.False(t, p.IsDirty())

	out := make([]byte, 4)
	require.Equal(t, 4, p.ReadInto(out, 12))
	require.Equal(t, "Zdef", string(out))
}

func TestPage_MaterializeRetriesAfterError(t *testing.T) {
	p := NewPage(PageKey{ResourceID: 1})
	p.Lock()
	defer p.Unlock()

	boom := errors.New("boom")
	require.ErrorIs(t, p.Materialize(8, func([]byte) error { return boom }), boom)
	require.False(t, p.IsLoaded())

	calls := 0
	fill := func(buf []byte) error { calls++; return nil }
	require.NoError(t, p.Materialize(8, fill))
	require.NoError(t, p.Materialize(8, fill))
	require.Equal(t, 1, calls)
	require.True(t, p.IsLoaded())

	p.Reset()
	require.False(t, p.IsLoaded())
}

func TestPage_TouchAndRefs(t *testing.T) {
	p := NewPage(PageKey{ResourceID: 3, PageNumber: 4})
	p.Touch(10)
	p.Touch(12)
	require.Equal(t, uint64(12), p.LastAccess())
	require.Equal(t, uint64(2), p.AccessCount())

	p.Retain()
	require.Equal(t, int32(2), p.Release())
	require.Equal(t, "3:4", p.Key().String())
}

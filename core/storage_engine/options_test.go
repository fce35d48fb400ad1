package storageengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptions_Validate(t *testing.T) {
	opts := DefaultOptions("/tmp/data")
	require.NoError(t, opts.Validate())
	require.Equal(t, 2048, opts.PageSize)
	require.Equal(t, 128, opts.MaxPages)
	require.Equal(t, int64(256*1024), opts.RotationThreshold)
	require.Equal(t, 10, opts.MaxSealedJournals)
	require.True(t, opts.Logging)
	require.True(t, opts.WriteThrough)

	for name, mutate := range map[string]func(*Options){
		"no dir":          func(o *Options) { o.DataDir = "" },
		"zero page size":  func(o *Options) { o.PageSize = 0 },
		"zero max pages":  func(o *Options) { o.MaxPages = 0 },
		"too many sealed": func(o *Options) { o.MaxSealedJournals = 40 },
		"bad fraction":    func(o *Options) { o.EvictionFraction = 1.5 },
		"negative rate":   func(o *Options) { o.DrainRateBytesPerSec = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			o := DefaultOptions("/tmp/data")
			mutate(&o)
			require.Error(t, o.Validate())
		})
	}
}

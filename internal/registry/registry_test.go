package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleHandler(ctx Context, params []byte) (interface{}, error) {
	return "ok", nil
}

func TestSetGetRoundTrip(t *testing.T) {
	r := New()
	opts := DefaultOptions
	opts.WantsProgress = boolPtr(false)
	require.NoError(t, r.Set("calc_sum", sampleHandler, opts))

	h, eff, err := r.Get("calc_sum")
	require.NoError(t, err)
	require.NotNil(t, h)
	require.False(t, eff.Progress())
	require.True(t, eff.Logger())
}

func TestSetOverlaysUnsetFieldsOntoDefaults(t *testing.T) {
	r := New()
	// A caller supplying only Timeout must still get the default
	// progress/logger injection — spec.md §4.5's overlay rule.
	require.NoError(t, r.Set("slow_job", sampleHandler, Options{Timeout: 5 * time.Second}))

	_, eff, err := r.Get("slow_job")
	require.NoError(t, err)
	require.True(t, eff.Progress())
	require.True(t, eff.Logger())
	require.Equal(t, 5*time.Second, eff.Timeout)
}

func TestGetUnknownMethod(t *testing.T) {
	r := New()
	_, _, err := r.Get("missing")
	require.Error(t, err)
	var nf ErrNotFound
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "missing", nf.Name)
}

func TestRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Set("m", sampleHandler, DefaultOptions))
	require.NoError(t, r.Remove("m"))
	_, _, err := r.Get("m")
	require.Error(t, err)
}

func TestNamesSorted(t *testing.T) {
	r := New()
	require.NoError(t, r.Set("zeta", sampleHandler, DefaultOptions))
	require.NoError(t, r.Set("alpha", sampleHandler, DefaultOptions))
	require.Equal(t, []string{"alpha", "zeta"}, r.Names())
}

func TestSealMakesRegistryImmutable(t *testing.T) {
	r := New()
	require.NoError(t, r.Set("m", sampleHandler, DefaultOptions))
	r.Seal()

	require.ErrorIs(t, r.Set("n", sampleHandler, DefaultOptions), ErrImmutable)
	require.ErrorIs(t, r.Remove("m"), ErrImmutable)
	require.ErrorIs(t, r.Bind("m", sampleHandler), ErrImmutable)

	// Reads still work after sealing.
	h, _, err := r.Get("m")
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestBindFillsHandlerForManifestEntry(t *testing.T) {
	r := New()
	// Simulate rconfig.MethodManifest pre-populating options with no handler.
	require.NoError(t, r.Set("deferred", nil, DefaultOptions))
	require.NoError(t, r.Bind("deferred", sampleHandler))

	h, _, err := r.Get("deferred")
	require.NoError(t, err)
	require.NotNil(t, h)
}

package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	t.Run("tiles bundle into sub-bundles and wavelength windows", func(t *testing.T) {
		subbundles, err := Partition(PartitionParams{
			BSpecMin:    25,
			BundleSize:  25,
			NSubBundles: 5,
			NWave:       100,
			NWaveStep:   50,
			WavePad:     10,
			NDiag:       7,
		})
		require.NoError(t, err)
		require.Len(t, subbundles, 5)

		for i, sb := range subbundles {
			require.Len(t, sb, 2)
			for _, p := range sb {
				assert.Equal(t, 25+5*i, p.ISpec)
				assert.Equal(t, 25, p.BSpecMin)
				assert.Equal(t, 5, p.NSpecPerPatch)
			}
			assert.Equal(t, 10, sb[0].IWave)
			assert.Equal(t, 60, sb[1].IWave)
		}
	})

	t.Run("final tile narrows when wave count is not a multiple of the step", func(t *testing.T) {
		subbundles, err := Partition(PartitionParams{
			BSpecMin:    0,
			BundleSize:  25,
			NSubBundles: 1,
			NWave:       110,
			NWaveStep:   50,
			WavePad:     10,
		})
		require.NoError(t, err)
		require.Len(t, subbundles, 1)
		patches := subbundles[0]
		require.Len(t, patches, 3)

		assert.Equal(t, Span{Start: 0, Stop: 50}, patches[0].KeepSlice())
		assert.Equal(t, Span{Start: 0, Stop: 50}, patches[1].KeepSlice())
		assert.Equal(t, Span{Start: 0, Stop: 10}, patches[2].KeepSlice())
		assert.Equal(t, Span{Start: 100, Stop: 110}, patches[2].WaveSlice())
	})

	t.Run("tiling covers the bundle without gaps or overlap", func(t *testing.T) {
		subbundles, err := Partition(PartitionParams{
			BSpecMin:    50,
			BundleSize:  20,
			NSubBundles: 4,
			NWave:       73,
			NWaveStep:   30,
			WavePad:     5,
		})
		require.NoError(t, err)

		specCovered := make([]int, 20)
		waveCovered := make([]int, 73)
		for _, sb := range subbundles {
			for _, p := range sb {
				spec := p.SpecSlice()
				wave := p.WaveSlice()
				assert.Equal(t, wave.Len(), p.KeepSlice().Len())
				if spec.Start == 0 {
					for w := wave.Start; w < wave.Stop; w++ {
						waveCovered[w]++
					}
				}
				if wave.Start == 0 {
					for sp := spec.Start; sp < spec.Stop; sp++ {
						specCovered[sp]++
					}
				}
			}
		}
		for i, n := range specCovered {
			assert.Equal(t, 1, n, "spectrum %d", i)
		}
		for i, n := range waveCovered {
			assert.Equal(t, 1, n, "wave bin %d", i)
		}
	})

	t.Run("rejects indivisible sub-bundle count", func(t *testing.T) {
		_, err := Partition(PartitionParams{
			BundleSize:  25,
			NSubBundles: 4,
			NWave:       50,
			NWaveStep:   50,
		})
		require.Error(t, err)
	})

	t.Run("rejects non-positive wave counts", func(t *testing.T) {
		_, err := Partition(PartitionParams{
			BundleSize:  25,
			NSubBundles: 5,
			NWave:       0,
			NWaveStep:   50,
		})
		require.Error(t, err)
	})
}

func TestFlattenPreservesPartitionOrder(t *testing.T) {
	subbundles, err := Partition(PartitionParams{
		BSpecMin:    0,
		BundleSize:  10,
		NSubBundles: 2,
		NWave:       60,
		NWaveStep:   50,
		WavePad:     10,
	})
	require.NoError(t, err)

	flat := Flatten(subbundles)
	require.Len(t, flat, 4)
	assert.Equal(t, []int{0, 0, 5, 5}, []int{flat[0].ISpec, flat[1].ISpec, flat[2].ISpec, flat[3].ISpec})
	assert.Equal(t, []int{10, 60, 10, 60}, []int{flat[0].IWave, flat[1].IWave, flat[2].IWave, flat[3].IWave})
}

func TestBoundsUnion(t *testing.T) {
	a := Bounds{Row: Span{Start: 10, Stop: 40}, Col: Span{Start: 0, Stop: 25}}
	b := Bounds{Row: Span{Start: 30, Stop: 70}, Col: Span{Start: 5, Stop: 50}}

	u := a.Union(b)
	assert.Equal(t, Bounds{Row: Span{Start: 10, Stop: 70}, Col: Span{Start: 0, Stop: 50}}, u)
	assert.Equal(t, u, b.Union(a))
}

func TestResolveOffImagePatchKeepsNilBounds(t *testing.T) {
	p := NewPlanned(0, 10, 0, 5, 50, 10, 100, 25, 7)
	r := p.Resolve(nil)
	assert.Nil(t, r.Bounds)
	assert.Equal(t, p.SpecSlice(), r.SpecSlice())
	assert.Equal(t, 15, p.NDiagBand())
}

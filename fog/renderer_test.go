package fog

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holeScene() Scene {
	u := fogUpdate("alice", 1, GeoPoint{Lon: 2.345, Lat: 48.845})
	return Scene{
		ExplorerID: "alice",
		Fog:        u.Fog,
		Path:       []GeoPoint{{Lon: 2.347, Lat: 48.847}, {Lon: 2.353, Lat: 48.853}},
		Color:      DefaultColors()[0],
	}
}

func TestParseColor(t *testing.T) {
	def := color.NRGBA{1, 2, 3, 4}
	tests := []struct {
		in   string
		want color.NRGBA
	}{
		{"#ff8000", color.NRGBA{255, 128, 0, 255}},
		{"ff800080", color.NRGBA{255, 128, 0, 128}},
		{" #00FF00 ", color.NRGBA{0, 255, 0, 255}},
		{"#fff", def},
		{"#zzzzzz", def},
		{"", def},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseColor(tt.in, def))
		})
	}
}

func TestRasterRenderer_HoleIsClear(t *testing.T) {
	r := NewRasterRenderer(holeScene())
	r.Options.Caption = false
	r.Options.Width = 200
	img := r.Render()

	b := img.Bounds()
	assert.Equal(t, 200, b.Dx())
	assert.Greater(t, b.Dy(), 100)

	floor := nrgbaToRGBA(r.Options.Floor)
	// The path runs through the hole centre, so sample off it.
	assert.Equal(t, floor, img.RGBAAt(b.Dx()/2+20, b.Dy()/2+20), "explored area shows the floor")
	corner := img.RGBAAt(1, 1)
	assert.NotEqual(t, floor, corner, "unexplored area is fogged")
	assert.Less(t, corner.R, uint8(100))
}

func TestRasterRenderer_EmptySceneIsAllFog(t *testing.T) {
	fog := ComputeFog(WorldPolygon, nil, Subtrahend{}, nil)
	r := NewRasterRenderer(Scene{ExplorerID: "bob", Fog: fog})
	r.Options.Caption = false
	img := r.Render()

	b := img.Bounds()
	assert.Equal(t, 800, b.Dx())
	assert.InDelta(t, 800, b.Dy(), 1, "clamped world is square in Mercator")
	floor := nrgbaToRGBA(r.Options.Floor)
	for _, p := range [][2]int{{0, 0}, {b.Dx() / 2, b.Dy() / 2}, {b.Dx() - 1, b.Dy() - 1}} {
		assert.NotEqual(t, floor, img.RGBAAt(p[0], p[1]))
	}
}

func TestRasterRenderer_PNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRasterRenderer(holeScene()).RenderToPNG(&buf))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
}

func TestSceneBound_FixedBound(t *testing.T) {
	opts := DefaultRenderOptions()
	opts.Bound = orb.Bound{Min: orb.Point{-200, -89}, Max: orb.Point{10, 10}}
	b := sceneBound(Scene{}, opts)
	assert.Equal(t, -180.0, b.Min[0])
	assert.InDelta(t, -maxMercatorLat, b.Min[1], 1e-9)
	assert.Equal(t, orb.Point{10, 10}, b.Max)
}

func TestFogPattern(t *testing.T) {
	a := FogPattern(128, 7)
	b := FogPattern(128, 7)
	assert.Equal(t, a.Pix, b.Pix, "same seed, same tile")
	assert.NotEqual(t, a.Pix, FogPattern(128, 8).Pix)

	// Opposite edges meet without a seam.
	size := a.Bounds().Dx()
	for i := 0; i < size; i++ {
		left, right := a.NRGBAAt(0, i), a.NRGBAAt(size-1, i)
		top, bottom := a.NRGBAAt(i, 0), a.NRGBAAt(i, size-1)
		assert.InDelta(t, int(left.R), int(right.R), 6)
		assert.InDelta(t, int(top.R), int(bottom.R), 6)
	}

	assert.Equal(t, 256, FogPattern(0, 1).Bounds().Dx())
}

func TestVectorRenderer_SVG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewVectorRenderer(holeScene()).RenderToSVG(&buf))

	out := buf.String()
	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, "path")
}

func TestVectorRenderer_PNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewVectorRenderer(holeScene()).RenderToPNG(&buf))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)
}

func TestVectorRenderer_SimplifyRing(t *testing.T) {
	r := NewVectorRenderer(holeScene())
	vp := r.viewport()

	// Extra vertices along straight edges carry no shape.
	ring := orb.Ring{{2.345, 48.845}, {2.350, 48.845}, {2.355, 48.845}, {2.355, 48.855}, {2.345, 48.855}, {2.345, 48.850}, {2.345, 48.845}}
	out := r.simplifyRing(ring, vp)
	assert.Len(t, out, 5)
	assert.Equal(t, out[0], out[len(out)-1])
	assert.Len(t, ring, 7, "input ring is not modified")

	r.Options.Tolerance = 0
	assert.Len(t, r.simplifyRing(ring, vp), 7)
}

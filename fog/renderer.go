package fog

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// maxMercatorLat is the latitude limit of Web Mercator.
const maxMercatorLat = 85.05112878

// DefaultColors returns the path colours handed to explorers without one.
func DefaultColors() []color.NRGBA {
	return []color.NRGBA{
		{30, 144, 255, 255}, // Dodger blue
		{255, 99, 71, 255},  // Tomato
		{50, 205, 50, 255},  // Lime green
		{255, 215, 0, 255},  // Gold
	}
}

// ParseColor parses "#rrggbb" or "#rrggbbaa". It falls back to def.
func ParseColor(s string, def color.NRGBA) color.NRGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 && len(s) != 8 {
		return def
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return def
	}
	if len(s) == 6 {
		v = v<<8 | 0xff
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
}

// Scene is what a fog preview shows.
type Scene struct {
	ExplorerID string
	Fog        *FogGeometry
	Path       []GeoPoint
	Color      color.NRGBA
}

// SceneFromUpdate builds a scene from a fog update.
func SceneFromUpdate(u *FogUpdate, c color.NRGBA) Scene {
	return Scene{
		ExplorerID: u.ExplorerID,
		Fog:        u.Fog,
		Path:       u.Session.Path(),
		Color:      c,
	}
}

// RenderOptions controls fog previews.
type RenderOptions struct {
	Width     int       // Output width in pixels (raster) or millimetres (vector)
	Padding   float64   // Fraction of the explored extent added around it
	Bound     orb.Bound // Geographic bound to show; zero fits the explored area
	Floor     color.NRGBA
	FogColor  color.NRGBA
	Caption   bool
	Tolerance float64 // Vector simplification tolerance in output units; 0 disables
}

// DefaultRenderOptions returns options for an 800px preview.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		Width:     800,
		Padding:   0.25,
		Floor:     color.NRGBA{240, 240, 240, 255},
		FogColor:  color.NRGBA{40, 44, 52, 220},
		Caption:   true,
		Tolerance: 0.5,
	}
}

// viewport maps geographic points to output coordinates through Web
// Mercator, y growing downward.
type viewport struct {
	min, max      orb.Point
	scale         float64
	width, height float64
}

func newViewport(bound orb.Bound, width float64) viewport {
	lo := mercator(bound.Min)
	hi := mercator(bound.Max)
	dx := math.Max(hi[0]-lo[0], 1)
	dy := math.Max(hi[1]-lo[1], 1)
	scale := width / dx
	return viewport{min: lo, max: hi, scale: scale, width: width, height: math.Max(math.Round(dy*scale), 1)}
}

func (v viewport) project(p orb.Point) (x, y float64) {
	m := mercator(p)
	return (m[0] - v.min[0]) * v.scale, (v.max[1] - m[1]) * v.scale
}

func mercator(p orb.Point) orb.Point {
	p[1] = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, p[1]))
	return project.WGS84.ToMercator(p)
}

// sceneBound returns the bound a preview of s should show.
func sceneBound(s Scene, opts RenderOptions) orb.Bound {
	if opts.Bound != (orb.Bound{}) {
		return clampBound(opts.Bound)
	}

	world := WorldPolygon.Bound()
	var b orb.Bound
	found := false
	add := func(r orb.Bound) {
		if !found {
			b, found = r, true
			return
		}
		b = b.Union(r)
	}
	if s.Fog != nil {
		for _, poly := range s.Fog.Polygons {
			for _, ring := range poly {
				if rb := ring.Bound(); rb != world {
					add(rb)
				}
			}
		}
	}
	for _, p := range s.Path {
		add(orb.Bound{Min: p.Orb(), Max: p.Orb()})
	}
	if !found {
		return clampBound(world)
	}

	pad := math.Max(math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])*opts.Padding, 0.002)
	return clampBound(b.Pad(pad))
}

func clampBound(b orb.Bound) orb.Bound {
	b.Min[0] = math.Max(b.Min[0], -180)
	b.Max[0] = math.Min(b.Max[0], 180)
	b.Min[1] = math.Max(b.Min[1], -maxMercatorLat)
	b.Max[1] = math.Min(b.Max[1], maxMercatorLat)
	return b
}

// RasterRenderer draws a scene into an RGBA image.
type RasterRenderer struct {
	Scene   Scene
	Options RenderOptions
}

// NewRasterRenderer creates a raster renderer with default options.
func NewRasterRenderer(s Scene) *RasterRenderer {
	return &RasterRenderer{Scene: s, Options: DefaultRenderOptions()}
}

// Render creates the image.
func (r *RasterRenderer) Render() *image.RGBA {
	width := r.Options.Width
	if width <= 0 {
		width = DefaultRenderOptions().Width
	}
	vp := newViewport(sceneBound(r.Scene, r.Options), float64(width))
	if vp.height > 4000 {
		vp = newViewport(sceneBound(r.Scene, r.Options), float64(width)*4000/vp.height)
	}
	w, h := int(vp.width), int(vp.height)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	floor := nrgbaToRGBA(r.Options.Floor)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, floor)
		}
	}

	if r.Scene.Fog != nil {
		fillEvenOdd(img, projectRings(r.Scene.Fog.Polygons, vp), r.Options.FogColor)
	}

	pathColor := color.RGBA{r.Scene.Color.R, r.Scene.Color.G, r.Scene.Color.B, 255}
	var prevX, prevY float64
	for i, p := range r.Scene.Path {
		x, y := vp.project(p.Orb())
		if i > 0 {
			drawLine(img, prevX, prevY, x, y, pathColor)
		}
		prevX, prevY = x, y
	}
	if n := len(r.Scene.Path); n > 0 {
		x, y := vp.project(r.Scene.Path[n-1].Orb())
		drawCircle(img, int(x), int(y), 4, pathColor)
	}

	if r.Options.Caption {
		r.drawCaption(img)
	}
	return img
}

// RenderToPNG writes the image as PNG.
func (r *RasterRenderer) RenderToPNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

func (r *RasterRenderer) drawCaption(img *image.RGBA) {
	parts := []string{r.Scene.ExplorerID}
	if r.Scene.Fog != nil {
		parts = append(parts, fmt.Sprintf("%d cleared", r.Scene.Fog.HoleCount()))
	}
	if n := len(r.Scene.Path); n > 0 {
		parts = append(parts, fmt.Sprintf("%d fixes", n))
	}
	caption := strings.Join(parts, ", ")

	// Swatch plus label, bottom-left.
	y := img.Bounds().Max.Y - 10
	swatch := color.RGBA{r.Scene.Color.R, r.Scene.Color.G, r.Scene.Color.B, 255}
	for dy := 0; dy < 12; dy++ {
		for dx := 0; dx < 12; dx++ {
			img.Set(10+dx, y+dy-10, swatch)
		}
	}
	drawText(img, 28, y, caption, color.RGBA{255, 255, 255, 255})
}

type pixelEdge struct{ x0, y0, x1, y1 float64 }

func projectRings(mp orb.MultiPolygon, vp viewport) []pixelEdge {
	var edges []pixelEdge
	for _, poly := range mp {
		for _, ring := range poly {
			for i := 0; i+1 < len(ring); i++ {
				x0, y0 := vp.project(ring[i])
				x1, y1 := vp.project(ring[i+1])
				if y0 != y1 {
					edges = append(edges, pixelEdge{x0, y0, x1, y1})
				}
			}
		}
	}
	return edges
}

// fillEvenOdd fills the area enclosed by edges with c, sampling each pixel
// at its centre.
func fillEvenOdd(img *image.RGBA, edges []pixelEdge, c color.NRGBA) {
	bounds := img.Bounds()
	xs := make([]float64, 0, 16)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		sy := float64(y) + 0.5
		xs = xs[:0]
		for _, e := range edges {
			if (e.y0 <= sy) == (e.y1 <= sy) {
				continue
			}
			t := (sy - e.y0) / (e.y1 - e.y0)
			xs = append(xs, e.x0+t*(e.x1-e.x0))
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			start := max(int(math.Ceil(xs[i]-0.5)), bounds.Min.X)
			end := min(int(math.Ceil(xs[i+1]-0.5)), bounds.Max.X)
			for x := start; x < end; x++ {
				img.SetRGBA(x, y, blendColors(img.RGBAAt(x, y), c))
			}
		}
	}
}

// FogPattern returns a tileable size x size fog texture. The same seed
// always yields the same tile.
func FogPattern(size int, seed uint64) *image.NRGBA {
	if size <= 0 {
		size = 256
	}
	img := image.NewNRGBA(image.Rect(0, 0, size, size))

	// Value noise over a wrapping lattice, summed over three octaves.
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	octaves := []int{4, 8, 16}
	lattices := make([][]float64, len(octaves))
	for i, n := range octaves {
		lattices[i] = make([]float64, n*n)
		for j := range lattices[i] {
			lattices[i][j] = rng.Float64()
		}
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v, weight, total := 0.0, 1.0, 0.0
			for i, n := range octaves {
				v += weight * latticeNoise(lattices[i], n, float64(x)*float64(n)/float64(size), float64(y)*float64(n)/float64(size))
				total += weight
				weight /= 2
			}
			v /= total
			shade := uint8(40 + 50*v)
			img.SetNRGBA(x, y, color.NRGBA{shade, shade, shade + 8, uint8(190 + 50*v)})
		}
	}
	return img
}

func latticeNoise(lattice []float64, n int, fx, fy float64) float64 {
	x0, y0 := int(fx)%n, int(fy)%n
	x1, y1 := (x0+1)%n, (y0+1)%n
	tx, ty := smoothstep(fx-math.Floor(fx)), smoothstep(fy-math.Floor(fy))
	top := lattice[y0*n+x0]*(1-tx) + lattice[y0*n+x1]*tx
	bottom := lattice[y1*n+x0]*(1-tx) + lattice[y1*n+x1]*tx
	return top*(1-ty) + bottom*ty
}

func smoothstep(t float64) float64 { return t * t * (3 - 2*t) }

// blendColors alpha-blends fg over an opaque bg.
func blendColors(bg color.RGBA, fg color.NRGBA) color.RGBA {
	alpha := float64(fg.A) / 255.0
	inv := 1.0 - alpha
	return color.RGBA{
		R: uint8(float64(fg.R)*alpha + float64(bg.R)*inv),
		G: uint8(float64(fg.G)*alpha + float64(bg.G)*inv),
		B: uint8(float64(fg.B)*alpha + float64(bg.B)*inv),
		A: 255,
	}
}

// nrgbaToRGBA premultiplies alpha.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 float64, c color.RGBA) {
	steps := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))) + 1
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		cx, cy := int(x0+t*(x1-x0)), int(y0+t*(y1-y0))
		for dx := 0; dx < 2; dx++ {
			for dy := 0; dy < 2; dy++ {
				if image.Pt(cx+dx, cy+dy).In(img.Bounds()) {
					img.SetRGBA(cx+dx, cy+dy, c)
				}
			}
		}
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if image.Pt(x, y).In(img.Bounds()) {
					img.SetRGBA(x, y, c)
				}
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

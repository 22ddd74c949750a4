package fog

import (
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer renders a scene as vector graphics. Output units are
// millimetres; Options.Width is the page width.
type VectorRenderer struct {
	Scene      Scene
	Options    RenderOptions
	Resolution canvas.Resolution // Resolution for PNG output
	PathWidth  float64           // Path stroke width in millimetres
}

// NewVectorRenderer creates a vector renderer for a 200mm page.
func NewVectorRenderer(s Scene) *VectorRenderer {
	opts := DefaultRenderOptions()
	opts.Width = 200
	opts.Tolerance = 0.2
	return &VectorRenderer{
		Scene:      s,
		Options:    opts,
		Resolution: canvas.DPI(96),
		PathWidth:  0.8,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *VectorRenderer) viewport() viewport {
	width := float64(r.Options.Width)
	if width <= 0 {
		width = 200
	}
	return newViewport(sceneBound(r.Scene, r.Options), width)
}

// RenderToSVG writes the scene as SVG.
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	vp := r.viewport()
	svgRenderer := svg.New(w, vp.width, vp.height, nil)
	r.renderToCanvas(svgRenderer, vp)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the scene at r.Resolution and writes it as PNG.
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	vp := r.viewport()
	rast := rasterizer.New(vp.width, vp.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, vp)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, vp viewport) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Options.Floor)}
	bg.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(vp.width, vp.height), bg, canvas.Identity)

	// Canvas coordinates grow upward.
	toCanvas := func(p orb.Point) (float64, float64) {
		x, y := vp.project(p)
		return x, vp.height - y
	}

	if r.Scene.Fog != nil {
		fog := &canvas.Path{}
		for _, poly := range r.Scene.Fog.Polygons {
			for _, ring := range poly {
				ring = r.simplifyRing(ring, vp)
				for i, pt := range ring {
					x, y := toCanvas(pt)
					if i == 0 {
						fog.MoveTo(x, y)
					} else {
						fog.LineTo(x, y)
					}
				}
				fog.Close()
			}
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Options.FogColor)}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		style.FillRule = canvas.EvenOdd
		renderer.RenderPath(fog, style, canvas.Identity)
	}

	if len(r.Scene.Path) > 1 {
		line := &canvas.Path{}
		for i, p := range r.Scene.Path {
			x, y := toCanvas(p.Orb())
			if i == 0 {
				line.MoveTo(x, y)
			} else {
				line.LineTo(x, y)
			}
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(r.Scene.Color)}
		style.StrokeWidth = r.PathWidth
		renderer.RenderPath(line, style, canvas.Identity)
	}

	if n := len(r.Scene.Path); n > 0 {
		x, y := toCanvas(r.Scene.Path[n-1].Orb())
		dot := canvas.DefaultStyle
		dot.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Scene.Color)}
		dot.Stroke = canvas.Paint{Color: canvas.White}
		dot.StrokeWidth = r.PathWidth / 2
		renderer.RenderPath(canvas.Circle(r.PathWidth*2), dot, canvas.Identity.Translate(x, y))
	}
}

// simplifyRing drops vertices closer than the tolerance to the ring's
// outline, measured in output units. Rings that would collapse are kept.
func (r *VectorRenderer) simplifyRing(ring orb.Ring, vp viewport) orb.Ring {
	if r.Options.Tolerance <= 0 || len(ring) <= 4 {
		return ring
	}
	// Mercator x is linear in longitude.
	tol := r.Options.Tolerance / vp.scale * 180 / (math.Pi * orb.EarthRadius)

	out, ok := simplify.DouglasPeucker(tol).Simplify(ring.Clone()).(orb.Ring)
	if !ok || len(out) < 4 {
		return ring
	}
	return out
}

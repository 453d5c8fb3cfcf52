// Package chart renders a zoomable candlestick time series with volume.
//
// The renderer consumes a CandleCache of fixed-duration bins and produces
// Frame view models for an abstract drawing surface. Zoom is expressed as the
// number of trailing candles displayed, chosen from a precomputed list of
// levels; axis extents are recomputed over exactly the visible window on
// every draw. Pointer movement reports the candle under the cursor to a
// legend callback.
//
// Axis bounds in a Frame are float64: they are display-pixel math only and
// never feed back into order or balance calculations.
package chart

import "marketview/internal/model"

// axisPadFraction is the fraction of the visible price range added above and
// below for visual headroom.
const axisPadFraction = 0.05

// minZoomLevel is the smallest number of candles a zoom level may show.
const minZoomLevel = 2

// CandleCache is the ordered candle history for one bin duration.
type CandleCache struct {
	// DurMs is the bin duration in milliseconds.
	DurMs uint64

	// Candles is ordered by start stamp, oldest first.
	Candles []model.Candle
}

// NewCandleCache creates a cache for the given duration from a snapshot.
func NewCandleCache(durMs uint64, candles []model.Candle) *CandleCache {
	return &CandleCache{DurMs: durMs, Candles: candles}
}

// Add applies an incremental candle update. When the update's start stamp
// matches the last cached candle the bin is refined in place; otherwise a new
// bin is appended. It reports whether the last candle was replaced.
func (c *CandleCache) Add(candle model.Candle) (replaced bool) {
	if n := len(c.Candles); n > 0 && c.Candles[n-1].StartStamp == candle.StartStamp {
		c.Candles[n-1] = candle
		return true
	}
	c.Candles = append(c.Candles, candle)
	return false
}

// Last returns the most recent candle, or nil for an empty cache.
func (c *CandleCache) Last() *model.Candle {
	if len(c.Candles) == 0 {
		return nil
	}
	return &c.Candles[len(c.Candles)-1]
}

// Frame is one fully computed draw of the chart, handed to the Surface.
type Frame struct {
	// Candles is the visible trailing window, oldest first.
	Candles []model.Candle

	// DurMs is the bin duration of the displayed cache.
	DurMs uint64

	// StartStamp and EndStamp bound the visible time axis in milliseconds.
	StartStamp, EndStamp uint64

	// MinRate and MaxRate bound the price axis, padded for headroom.
	MinRate, MaxRate float64

	// MaxVolume is the largest match volume in the visible window, the top of
	// the volume sub-axis.
	MaxVolume uint64
}

// Surface receives computed frames. Implementations own the canvas.
type Surface interface {
	RenderFrame(Frame)
}

// LegendFunc receives the candle under the pointer, or nil when the pointer
// leaves the plot region.
type LegendFunc func(*model.Candle)

// Renderer draws one CandleCache onto a Surface with zoom and pointer
// tracking. Not safe for concurrent use.
type Renderer struct {
	surface Surface
	legend  LegendFunc

	cache *CandleCache

	// levels is the precomputed zoom ladder; zoomIdx indexes into it.
	levels  []int
	zoomIdx int

	// plotWidth is the drawable width in pixels, used to unproject pointer
	// coordinates onto the time axis.
	plotWidth float64
}

// NewRenderer creates a Renderer bound to a surface and legend callback.
func NewRenderer(surface Surface, legend LegendFunc) *Renderer {
	return &Renderer{surface: surface, legend: legend, plotWidth: 1}
}

// zoomLevels builds the ladder of window sizes for a history of n candles:
// levels spaced by 2 from the minimum up to the full history length.
func zoomLevels(n int) []int {
	if n <= minZoomLevel {
		return []int{n}
	}
	var levels []int
	for lvl := minZoomLevel; lvl < n; lvl += 2 {
		levels = append(levels, lvl)
	}
	return append(levels, n)
}

// SetCache installs a new candle history, rebuilding the zoom ladder. The
// zoom position is clamped into the new ladder, defaulting to the full
// history for a fresh cache.
func (r *Renderer) SetCache(cache *CandleCache) {
	r.cache = cache
	r.levels = zoomLevels(len(cache.Candles))
	if r.zoomIdx >= len(r.levels) || r.zoomIdx == 0 {
		r.zoomIdx = len(r.levels) - 1
	}
	r.Draw()
}

// Resize records the drawable plot width for pointer unprojection and
// redraws.
func (r *Renderer) Resize(plotWidth float64) {
	if plotWidth > 0 {
		r.plotWidth = plotWidth
	}
	r.Draw()
}

// ZoomIn moves one level toward fewer visible candles. At the boundary it is
// a no-op and reports false.
func (r *Renderer) ZoomIn() bool {
	if r.zoomIdx == 0 {
		return false
	}
	r.zoomIdx--
	r.Draw()
	return true
}

// ZoomOut moves one level toward more visible candles. At the boundary it is
// a no-op and reports false.
func (r *Renderer) ZoomOut() bool {
	if r.zoomIdx >= len(r.levels)-1 {
		return false
	}
	r.zoomIdx++
	r.Draw()
	return true
}

// Visible returns the trailing window of candles at the current zoom level.
func (r *Renderer) Visible() []model.Candle {
	if r.cache == nil || len(r.cache.Candles) == 0 {
		return nil
	}
	n := r.levels[r.zoomIdx]
	if n > len(r.cache.Candles) {
		n = len(r.cache.Candles)
	}
	return r.cache.Candles[len(r.cache.Candles)-n:]
}

// Update applies an incremental candle for the given duration. Only an update
// matching the displayed duration triggers a redraw; the session keeps other
// durations' caches current itself.
func (r *Renderer) Update(durMs uint64, candle model.Candle) {
	if r.cache == nil || durMs != r.cache.DurMs {
		return
	}
	r.cache.Add(candle)
	r.levels = zoomLevels(len(r.cache.Candles))
	if r.zoomIdx >= len(r.levels) {
		r.zoomIdx = len(r.levels) - 1
	}
	r.Draw()
}

// Draw recomputes the visible window's extents and hands a Frame to the
// surface. Extents cover exactly the visible candles, never the full history.
func (r *Renderer) Draw() {
	visible := r.Visible()
	if len(visible) == 0 {
		return
	}

	minRate, maxRate := visible[0].LowRate, visible[0].HighRate
	var maxVolume uint64
	for _, candle := range visible {
		if candle.LowRate < minRate {
			minRate = candle.LowRate
		}
		if candle.HighRate > maxRate {
			maxRate = candle.HighRate
		}
		if candle.MatchVolume > maxVolume {
			maxVolume = candle.MatchVolume
		}
	}

	pad := float64(maxRate-minRate) * axisPadFraction
	lo := float64(minRate) - pad
	if lo < 0 {
		lo = 0
	}

	r.surface.RenderFrame(Frame{
		Candles:    visible,
		DurMs:      r.cache.DurMs,
		StartStamp: visible[0].StartStamp,
		EndStamp:   visible[len(visible)-1].StartStamp + r.cache.DurMs,
		MinRate:    lo,
		MaxRate:    float64(maxRate) + pad,
		MaxVolume:  maxVolume,
	})
}

// PointerMove reports the candle whose time bucket contains the unprojected
// x-coordinate to the legend callback, or nil when x falls outside every
// bucket.
func (r *Renderer) PointerMove(x float64) {
	if r.legend == nil {
		return
	}
	r.legend(r.candleAt(x))
}

// PointerLeave reports a nil candle to the legend callback.
func (r *Renderer) PointerLeave() {
	if r.legend == nil {
		return
	}
	r.legend(nil)
}

// candleAt unprojects a pixel x-coordinate onto the visible time axis and
// finds the candle whose bucket contains the resulting timestamp.
func (r *Renderer) candleAt(x float64) *model.Candle {
	visible := r.Visible()
	if len(visible) == 0 || x < 0 || x > r.plotWidth {
		return nil
	}

	start := visible[0].StartStamp
	end := visible[len(visible)-1].StartStamp + r.cache.DurMs
	stamp := float64(start) + x/r.plotWidth*float64(end-start)

	for i := range visible {
		lo := float64(visible[i].StartStamp)
		if stamp >= lo && stamp < lo+float64(r.cache.DurMs) {
			return &visible[i]
		}
	}
	return nil
}

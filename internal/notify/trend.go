package notify

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// TrendContentID is the Content-ID of the inline trend graph.
const TrendContentID = "trend.png"

// Trend image geometry.
const (
	trendWidth    = 640
	trendHeight   = 260
	trendLeft     = 44
	trendRight    = 12
	trendTop      = 22
	trendBottom   = 22
	trendTopDB    = 0.0
	trendBottomDB = -60.0
	trendGridDB   = 10.0
	trendTitle    = "Audio Level Trend (dBFS)"
)

var (
	trendBackground = color.RGBA{0xff, 0xff, 0xff, 0xff}
	trendGrid       = color.RGBA{0xe0, 0xe0, 0xe0, 0xff}
	trendText       = color.RGBA{0x33, 0x33, 0x33, 0xff}
	trendLevel      = color.RGBA{0x1f, 0x77, 0xb4, 0xff}
	trendClear      = color.RGBA{0x2c, 0xa0, 0x2c, 0xff}
	trendSilence    = color.RGBA{0xd6, 0x27, 0x28, 0xff}
)

// trendRange returns the dB span shown by the graph. The bottom drops below
// -60 dBFS in steps of 10 dB when a sample or threshold needs it.
func trendRange(samples []types.LevelSample, ts types.ThresholdSet) (bottom, top float64) {
	low := min(ts.SilenceDB, ts.ClearDB)
	for _, s := range samples {
		low = min(low, s.LevelDB)
	}
	bottom = min(trendBottomDB, math.Floor(low/trendGridDB)*trendGridDB)
	return max(bottom, audio.FloorDB), trendTopDB
}

// trendPlot maps samples and levels onto image coordinates.
type trendPlot struct {
	n           int
	bottom, top float64
}

func (p trendPlot) y(db float64) int {
	db = min(max(db, p.bottom), p.top)
	h := float64(trendHeight - trendTop - trendBottom)
	return trendTop + int(math.Round((p.top-db)/(p.top-p.bottom)*h))
}

func (p trendPlot) x(i int) int {
	w := float64(trendWidth - trendLeft - trendRight)
	return trendLeft + int(math.Round(float64(i)/float64(p.n-1)*w))
}

// RenderTrend draws the recent levels as a PNG line graph with the silence
// and clear thresholds as dashed lines. It returns nil when there are fewer
// than two samples.
func RenderTrend(samples []types.LevelSample, ts types.ThresholdSet) ([]byte, error) {
	if len(samples) < 2 {
		return nil, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, trendWidth, trendHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(trendBackground), image.Point{}, draw.Src)

	bottom, top := trendRange(samples, ts)
	p := trendPlot{n: len(samples), bottom: bottom, top: top}
	left, right := trendLeft, trendWidth-trendRight

	for db := top; db >= bottom; db -= trendGridDB {
		hline(img, left, right, p.y(db), trendGrid, 0)
		label(img, 4, p.y(db)+4, fmt.Sprintf("%4.0f", db))
	}
	hline(img, left, right, p.y(ts.ClearDB), trendClear, 6)
	hline(img, left, right, p.y(ts.SilenceDB), trendSilence, 6)

	for i := 1; i < len(samples); i++ {
		line(img, p.x(i-1), p.y(samples[i-1].LevelDB), p.x(i), p.y(samples[i].LevelDB), trendLevel)
	}

	label(img, left, 14, trendTitle)
	baseline := trendHeight - 6
	first := samples[0].At.Format(time.TimeOnly)
	last := samples[len(samples)-1].At.Format(time.TimeOnly)
	label(img, left, baseline, first)
	label(img, right-font.MeasureString(basicfont.Face7x13, last).Round(), baseline, last)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TrendAttachment returns the inline trend graph for ev, or nil.
func TrendAttachment(ev *types.AlertEvent) (*Attachment, error) {
	data, err := RenderTrend(ev.History, ev.Thresholds)
	if err != nil || data == nil {
		return nil, err
	}
	return &Attachment{
		Filename:    TrendContentID,
		ContentType: "image/png",
		ContentID:   TrendContentID,
		Data:        data,
	}, nil
}

// label draws s with its baseline at y.
func label(img *image.RGBA, x, y int, s string) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(trendText),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// hline draws a horizontal line. A positive dash draws dash pixels on and
// dash pixels off.
func hline(img *image.RGBA, x0, x1, y int, c color.Color, dash int) {
	for x := x0; x <= x1; x++ {
		if dash > 0 && (x-x0)/dash%2 == 1 {
			continue
		}
		img.Set(x, y, c)
	}
}

// line draws a two pixel wide segment using Bresenham's algorithm.
func line(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.Set(x0, y0, c)
		img.Set(x0, y0+1, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package captcha

import (
	"image"
	"image/color"
	"math"
	"math/rand"
)

// The odd shapes the target circle can be drawn as. Random variety keeps a
// template-matching bot from keying on one fixed cutout.
var oddShapes = []string{"pacman", "pizza", "star", "donut", "crescent", "diamond"}

type placedCircle struct {
	x, y, r int
}

// placeCircles scatters non-overlapping circles inside the margins. If
// placement gets unlucky it falls back to three guaranteed positions.
func (c *Captcha) placeCircles() []placedCircle {
	var circles []placedCircle
	attempts := 0

	for len(circles) < c.opts.Count && attempts < c.opts.maxPlaceAttempts {
		r := c.opts.RadiusMin + rand.Intn(c.opts.RadiusMax-c.opts.RadiusMin+1)
		x := randBetween(r+c.opts.Margin, c.opts.Width-r-c.opts.Margin)
		y := randBetween(r+c.opts.Margin, c.opts.Height-r-c.opts.Margin)

		overlaps := false
		for _, other := range circles {
			dx, dy := float64(x-other.x), float64(y-other.y)
			if math.Sqrt(dx*dx+dy*dy) <= float64(r+other.r+8) {
				overlaps = true
				break
			}
		}

		if overlaps {
			attempts++
			continue
		}
		circles = append(circles, placedCircle{x, y, r})
	}

	if len(circles) < 3 {
		circles = []placedCircle{
			{c.opts.Width / 4, c.opts.Height / 2, 22},
			{c.opts.Width / 2, c.opts.Height / 2, 22},
			{3 * c.opts.Width / 4, c.opts.Height / 2, 22},
		}
	}

	return circles
}

// render draws the full captcha: shadowed circles, the odd target shape, and
// the anti-template noise pass.
func (c *Captcha) render(circles []placedCircle, targetIdx int, shape string) *image.RGBA {
	bg := color.RGBA{
		uint8(randBetween(240, 255)),
		uint8(randBetween(240, 255)),
		uint8(randBetween(240, 255)),
		255,
	}
	fg := randomCircleColor()
	shadow := color.RGBA{0, 0, 0, 255}

	img := image.NewRGBA(image.Rect(0, 0, c.opts.Width, c.opts.Height))
	for y := 0; y < c.opts.Height; y++ {
		for x := 0; x < c.opts.Width; x++ {
			img.SetRGBA(x, y, bg)
		}
	}

	cutStart := rand.Intn(360)

	for idx, circle := range circles {
		drawRing(img, circle.x, circle.y, circle.r+1, shadow)

		if idx == targetIdx {
			drawOddShape(img, shape, circle, fg, bg, cutStart, c.opts.CutAngle)
		} else {
			fillCircle(img, circle.x, circle.y, circle.r, fg)
		}
	}

	if c.opts.UseNoise {
		c.addNoise(img, bg)
		blur(img)
	}

	return img
}

// drawOddShape renders the target circle as one of the recognizably odd
// variants.
func drawOddShape(img *image.RGBA, shape string, circle placedCircle, fg, bg color.RGBA, cutStart, cutAngle int) {
	cx, cy, r := circle.x, circle.y, circle.r

	switch shape {
	case "pacman":
		fillCircleExceptWedge(img, cx, cy, r, fg, cutStart, cutAngle)
	case "pizza":
		// A pizza slice is the wider cutout: a quarter of the disc missing.
		fillCircleExceptWedge(img, cx, cy, r, fg, cutStart, 90)
	case "donut":
		fillCircle(img, cx, cy, r, fg)
		fillCircle(img, cx, cy, r/2, bg)
	case "crescent":
		fillCircle(img, cx, cy, r, fg)
		fillCircle(img, cx+r/2, cy-r/4, r, bg)
	case "diamond":
		fillDiamond(img, cx, cy, r, fg)
	case "star":
		fillStar(img, cx, cy, r, fg)
	default:
		fillCircle(img, cx, cy, r, fg)
	}
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				setInBounds(img, x, y, col)
			}
		}
	}
}

func fillCircleExceptWedge(img *image.RGBA, cx, cy, r int, col color.RGBA, wedgeStart, wedgeAngle int) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy > r*r {
				continue
			}
			if inWedge(dx, dy, wedgeStart, wedgeAngle) {
				continue
			}
			setInBounds(img, x, y, col)
		}
	}
}

func fillDiamond(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if abs(x-cx)+abs(y-cy) <= r {
				setInBounds(img, x, y, col)
			}
		}
	}
}

// fillStar draws a five-point star using an angle-dependent radius that
// oscillates between the outer radius and an inner one.
func fillStar(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	inner := float64(r) * 0.45
	outer := float64(r)

	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := float64(x-cx), float64(y-cy)
			dist := math.Sqrt(dx*dx + dy*dy)
			if dist > outer {
				continue
			}

			angle := math.Atan2(dy, dx) + math.Pi/2
			// Sawtooth between points: 0 at a point, 1 between points.
			phase := math.Abs(math.Mod(angle/(2*math.Pi/5)+5, 1)-0.5) * 2
			limit := outer - (outer-inner)*phase

			if dist <= limit {
				setInBounds(img, x, y, col)
			}
		}
	}
}

func drawRing(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			d := dx*dx + dy*dy
			if d <= r*r && d >= (r-1)*(r-1) {
				blendInBounds(img, x, y, col, 50)
			}
		}
	}
}

// addNoise blends random dots and faint polylines over the image so that a
// clean geometric template no longer matches it.
func (c *Captcha) addNoise(img *image.RGBA, bg color.RGBA) {
	dots := randBetween(30, 60)
	for i := 0; i < dots; i++ {
		x := rand.Intn(c.opts.Width)
		y := rand.Intn(c.opts.Height)
		opacity := uint8(randBetween(20, 80))
		col := color.RGBA{
			uint8(rand.Intn(151)),
			uint8(rand.Intn(151)),
			uint8(rand.Intn(151)),
			255,
		}
		blendInBounds(img, x, y, col, opacity)
	}

	lines := randBetween(2, 4)
	for i := 0; i < lines; i++ {
		col := color.RGBA{
			uint8(randBetween(200, 230)),
			uint8(randBetween(200, 230)),
			uint8(randBetween(200, 230)),
			255,
		}

		prevX, prevY := 0, rand.Intn(c.opts.Height)
		for seg := 1; seg < 5; seg++ {
			x := c.opts.Width * seg / 4
			y := rand.Intn(c.opts.Height)
			drawLine(img, prevX, prevY, x, y, col)
			prevX, prevY = x, y
		}
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	steps := max(abs(x1-x0), abs(y1-y0))
	if steps == 0 {
		setInBounds(img, x0, y0, col)
		return
	}
	for i := 0; i <= steps; i++ {
		x := x0 + (x1-x0)*i/steps
		y := y0 + (y1-y0)*i/steps
		setInBounds(img, x, y, col)
	}
}

// blur applies a single 3x3 box smoothing pass to soften shape edges and
// noise, making per-pixel template matching less reliable.
func blur(img *image.RGBA) {
	bounds := img.Bounds()
	src := image.NewRGBA(bounds)
	copy(src.Pix, img.Pix)

	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			var rSum, gSum, bSum int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px := src.RGBAAt(x+dx, y+dy)
					rSum += int(px.R)
					gSum += int(px.G)
					bSum += int(px.B)
				}
			}
			img.SetRGBA(x, y, color.RGBA{uint8(rSum / 9), uint8(gSum / 9), uint8(bSum / 9), 255})
		}
	}
}

func inWedge(dx, dy, wedgeStart, wedgeAngle int) bool {
	angle := math.Atan2(float64(dy), float64(dx)) * 180 / math.Pi
	if angle < 0 {
		angle += 360
	}
	offset := math.Mod(angle-float64(wedgeStart)+360, 360)
	return offset < float64(wedgeAngle)
}

// randomCircleColor picks a hue-varied, non-pastel color so the circles
// contrast with the near-white background.
func randomCircleColor() color.RGBA {
	switch rand.Intn(5) {
	case 0: // red
		return color.RGBA{uint8(randBetween(150, 220)), uint8(randBetween(50, 100)), uint8(randBetween(50, 100)), 255}
	case 1: // green
		return color.RGBA{uint8(randBetween(50, 100)), uint8(randBetween(150, 220)), uint8(randBetween(50, 100)), 255}
	case 2: // blue
		return color.RGBA{uint8(randBetween(50, 100)), uint8(randBetween(50, 100)), uint8(randBetween(150, 220)), 255}
	case 3: // purple
		return color.RGBA{uint8(randBetween(150, 200)), uint8(randBetween(50, 100)), uint8(randBetween(150, 200)), 255}
	default: // orange
		return color.RGBA{uint8(randBetween(200, 250)), uint8(randBetween(100, 150)), uint8(rand.Intn(51)), 255}
	}
}

func setInBounds(img *image.RGBA, x, y int, col color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, col)
	}
}

func blendInBounds(img *image.RGBA, x, y int, col color.RGBA, opacity uint8) {
	if !image.Pt(x, y).In(img.Bounds()) {
		return
	}
	existing := img.RGBAAt(x, y)
	a := float64(opacity) / 255
	img.SetRGBA(x, y, color.RGBA{
		uint8(float64(existing.R)*(1-a) + float64(col.R)*a),
		uint8(float64(existing.G)*(1-a) + float64(col.G)*a),
		uint8(float64(existing.B)*(1-a) + float64(col.B)*a),
		255,
	})
}

func randBetween(min, max int) int {
	return min + rand.Intn(max-min+1)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Package captcha implements a point-and-click visual CAPTCHA that needs no
// client-side scripting: the server draws several circles, one of which is
// an odd shape, and the client proves humanity by clicking it.
package captcha

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image/png"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/ports"
)

const stateKeyPrefix = "captcha_"

// Options tune the generator. Tolerance and shape variety are the two knobs
// trading human usability against automated solvability.
type Options struct {
	Width       int
	Height      int
	Count       int
	RadiusMin   int
	RadiusMax   int
	CutAngle    int
	Margin      int
	UseNoise    bool
	MaxAttempts int
	Timeout     time.Duration

	// maxPlaceAttempts bounds the circle placement loop.
	maxPlaceAttempts int
}

// DefaultOptions returns the production parameters. Circles are sized for
// touch targets; the margin keeps targets off the edges.
func DefaultOptions() Options {
	return Options{
		Width:            300,
		Height:           150,
		Count:            6,
		RadiusMin:        20,
		RadiusMax:        28,
		CutAngle:         60,
		Margin:           25,
		UseNoise:         true,
		MaxAttempts:      3,
		Timeout:          5 * time.Minute,
		maxPlaceAttempts: 1000,
	}
}

// state is what the store remembers about one outstanding captcha.
type state struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	R         int    `json:"r"`
	Shape     string `json:"shape"`
	Timestamp int64  `json:"timestamp"`
	Attempts  int    `json:"attempts"`
}

// Captcha generates and validates one-click captchas backed by the shared
// store, so any instance can validate a click against an image another
// instance drew.
type Captcha struct {
	store  ports.Store
	logger zerolog.Logger
	opts   Options
}

// New creates a captcha generator/validator.
func New(store ports.Store, logger zerolog.Logger, opts Options) *Captcha {
	if opts.maxPlaceAttempts == 0 {
		opts.maxPlaceAttempts = 1000
	}
	return &Captcha{
		store:  store,
		logger: logger.With().Str("component", "captcha").Logger(),
		opts:   opts,
	}
}

// Generate draws a fresh captcha, stores its solution, and returns the PNG
// bytes plus the token identifying it.
func (c *Captcha) Generate(ctx context.Context) ([]byte, string, error) {
	tok := newToken()

	circles := c.placeCircles()
	targetIdx := rand.Intn(len(circles))
	target := circles[targetIdx]
	shape := oddShapes[rand.Intn(len(oddShapes))]

	img := c.render(circles, targetIdx, shape)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("failed to encode captcha: %w", err)
	}

	st := state{
		X:         target.x,
		Y:         target.y,
		R:         target.r,
		Shape:     shape,
		Timestamp: time.Now().Unix(),
		Attempts:  0,
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal captcha state: %w", err)
	}
	if err := c.store.Set(ctx, stateKeyPrefix+tok, string(raw), c.opts.Timeout); err != nil {
		return nil, "", fmt.Errorf("failed to store captcha state: %w", err)
	}

	return buf.Bytes(), tok, nil
}

// Validate checks a click against the stored target. The tolerance radius is
// deliberately generous: the anti-bot value is in recognizing the odd shape,
// not in pixel-perfect clicking. Success and lockout both destroy the
// record; a failed attempt just counts against the limit of three.
func (c *Captcha) Validate(ctx context.Context, clickX, clickY int, tok string) bool {
	key := stateKeyPrefix + tok

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Msg("unknown captcha token")
		return false
	}

	var st state
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		c.logger.Warn().Msg("corrupt captcha state")
		_ = c.store.Delete(ctx, key)
		return false
	}

	now := time.Now().Unix()
	if now-st.Timestamp > int64(c.opts.Timeout.Seconds()) {
		c.logger.Warn().Msg("expired captcha")
		_ = c.store.Delete(ctx, key)
		return false
	}

	if st.Attempts >= c.opts.MaxAttempts {
		c.logger.Warn().Msg("captcha attempt limit reached")
		_ = c.store.Delete(ctx, key)
		return false
	}

	dx := clickX - st.X
	dy := clickY - st.Y
	tolerance := Tolerance(st.R)

	if dx*dx+dy*dy <= tolerance*tolerance {
		_ = c.store.Delete(ctx, key)
		return true
	}

	st.Attempts++
	if updated, err := json.Marshal(st); err == nil {
		remaining := time.Duration(st.Timestamp+int64(c.opts.Timeout.Seconds())-now) * time.Second
		if err := c.store.Set(ctx, key, string(updated), remaining); err != nil {
			c.logger.Warn().Err(err).Msg("failed to record captcha attempt")
		}
	}

	return false
}

// Tolerance is the accepted click radius around the target center: half the
// target radius plus a small fixed slack on top of the radius itself.
func Tolerance(r int) int {
	return r + r/2 + 5
}

func newToken() string {
	seed := fmt.Sprintf("%d:%d", time.Now().UnixNano(), rand.Int63())
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/citadel/adapters/store"
)

func testCaptcha(t *testing.T) (*Captcha, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	return New(mem, zerolog.Nop(), DefaultOptions()), mem
}

func storedState(t *testing.T, mem *store.MemoryStore, tok string) state {
	t.Helper()
	raw, err := mem.Get(context.Background(), stateKeyPrefix+tok)
	require.NoError(t, err)
	var st state
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	return st
}

func TestGenerateProducesDecodablePNG(t *testing.T) {
	c, mem := testCaptcha(t)

	img, tok, err := c.Generate(context.Background())
	require.NoError(t, err)
	require.Len(t, tok, 16)

	decoded, err := png.Decode(bytes.NewReader(img))
	require.NoError(t, err)

	bounds := decoded.Bounds()
	assert.Equal(t, 300, bounds.Dx())
	assert.Equal(t, 150, bounds.Dy())

	st := storedState(t, mem, tok)
	assert.Contains(t, oddShapes, st.Shape)
	assert.GreaterOrEqual(t, st.R, 20)
	assert.LessOrEqual(t, st.R, 28)
	assert.GreaterOrEqual(t, st.X, 25)
	assert.LessOrEqual(t, st.X, 300-25)
}

func TestValidateAcceptsClickOnTarget(t *testing.T) {
	c, mem := testCaptcha(t)

	_, tok, err := c.Generate(context.Background())
	require.NoError(t, err)
	st := storedState(t, mem, tok)

	assert.True(t, c.Validate(context.Background(), st.X, st.Y, tok))

	// Success destroys the record: the same click cannot validate twice.
	assert.False(t, c.Validate(context.Background(), st.X, st.Y, tok))
}

func TestValidateToleranceBoundary(t *testing.T) {
	c, mem := testCaptcha(t)

	_, tok, err := c.Generate(context.Background())
	require.NoError(t, err)
	st := storedState(t, mem, tok)

	// Exactly at the tolerance radius (straight along x) is accepted.
	assert.True(t, c.Validate(context.Background(), st.X+Tolerance(st.R), st.Y, tok))

	// One pixel further is not.
	_, tok2, err := c.Generate(context.Background())
	require.NoError(t, err)
	st2 := storedState(t, mem, tok2)
	assert.False(t, c.Validate(context.Background(), st2.X+Tolerance(st2.R)+1, st2.Y, tok2))
}

func TestValidateLocksOutAfterMaxAttempts(t *testing.T) {
	c, mem := testCaptcha(t)
	ctx := context.Background()

	_, tok, err := c.Generate(ctx)
	require.NoError(t, err)
	st := storedState(t, mem, tok)

	missX := st.X + Tolerance(st.R) + 50

	for i := 0; i < 3; i++ {
		assert.False(t, c.Validate(ctx, missX, st.Y, tok))
	}

	// The attempt limit is spent; even the correct click is now rejected
	// and the record is destroyed.
	assert.False(t, c.Validate(ctx, st.X, st.Y, tok))
	_, err = mem.Get(ctx, stateKeyPrefix+tok)
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	c, mem := testCaptcha(t)
	ctx := context.Background()

	_, tok, err := c.Generate(ctx)
	require.NoError(t, err)
	st := storedState(t, mem, tok)

	// Rewind the recorded timestamp past the timeout.
	st.Timestamp = time.Now().Add(-6 * time.Minute).Unix()
	raw, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, stateKeyPrefix+tok, string(raw), time.Minute))

	assert.False(t, c.Validate(ctx, st.X, st.Y, tok))
	_, err = mem.Get(ctx, stateKeyPrefix+tok)
	assert.Error(t, err, "expired captcha record must be destroyed")
}

func TestValidateRejectsUnknownAndCorrupt(t *testing.T) {
	c, mem := testCaptcha(t)
	ctx := context.Background()

	assert.False(t, c.Validate(ctx, 10, 10, "nonexistent"))

	require.NoError(t, mem.Set(ctx, stateKeyPrefix+"corrupt", "{not json", time.Minute))
	assert.False(t, c.Validate(ctx, 10, 10, "corrupt"))
	_, err := mem.Get(ctx, stateKeyPrefix+"corrupt")
	assert.Error(t, err, "corrupt record must be destroyed")
}

func TestPlaceCirclesRespectsGeometry(t *testing.T) {
	c, _ := testCaptcha(t)

	circles := c.placeCircles()
	require.NotEmpty(t, circles)

	for i, a := range circles {
		assert.GreaterOrEqual(t, a.x-a.r, 0, "circle %d crosses the left edge", i)
		assert.LessOrEqual(t, a.x+a.r, c.opts.Width, "circle %d crosses the right edge", i)
		assert.GreaterOrEqual(t, a.y-a.r, 0, "circle %d crosses the top edge", i)
		assert.LessOrEqual(t, a.y+a.r, c.opts.Height, "circle %d crosses the bottom edge", i)
	}
}

func TestToleranceFormula(t *testing.T) {
	assert.Equal(t, 35, Tolerance(20))
	assert.Equal(t, 47, Tolerance(28))
}

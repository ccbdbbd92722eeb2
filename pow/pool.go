package pow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/ports"
)

const (
	poolKey      = "pow:pool:challenges"
	poolTTL      = time.Hour
	poolLowWater = 5

	// poolSolveCap is the per-entry brute-force safety limit during pool
	// initialization. At difficulty 4 the expected cost is 65536 hashes.
	poolSolveCap = 1_000_000
)

// PoolEntry is a pre-solved challenge waiting to be handed out.
type PoolEntry struct {
	ID         string `json:"id"`
	Challenge  string `json:"challenge"`
	Nonce      int64  `json:"nonce"`
	Hash       string `json:"hash"`
	Difficulty int    `json:"difficulty"`
	Created    int64  `json:"created"`
}

// Pool keeps a stock of pre-solved challenges in the shared store so that
// handing one out and verifying its answer are both cache operations. The
// pool lives in the store, not in process memory, so every instance draws
// from the same stock.
type Pool struct {
	store   ports.Store
	logger  zerolog.Logger
	workers *ants.Pool

	size       int
	difficulty int
}

// NewPool creates a new pre-solved challenge pool. The refill worker pool
// keeps brute forcing off the request path.
func NewPool(store ports.Store, logger zerolog.Logger, size, difficulty int) (*Pool, error) {
	workers, err := ants.NewPool(1, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create refill workers: %w", err)
	}

	return &Pool{
		store:      store,
		logger:     logger.With().Str("component", "pow_pool").Logger(),
		workers:    workers,
		size:       size,
		difficulty: difficulty,
	}, nil
}

// Close releases the refill workers.
func (p *Pool) Close() {
	p.workers.Release()
}

// Initialize pre-solves size independent random challenges and stores them
// as the pool.
func (p *Pool) Initialize(ctx context.Context, size, difficulty int) ([]PoolEntry, error) {
	entries := make([]PoolEntry, 0, size)

	for i := 0; i < size; i++ {
		entry, ok := p.solveFresh(difficulty)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}

	if err := p.writePool(ctx, entries); err != nil {
		return nil, err
	}

	p.logger.Info().Int("size", len(entries)).Msg("initialized pow pool")
	return entries, nil
}

// GetChallenge pops a pre-solved challenge from the pool, registering its
// solution for instant verification. An exhausted pool regenerates on
// demand and never errors.
func (p *Pool) GetChallenge(ctx context.Context) (*PoolEntry, error) {
	entries, err := p.readPool(ctx)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		p.logger.Warn().Msg("pow pool empty, regenerating on demand")
		if entries, err = p.Initialize(ctx, p.size, p.difficulty); err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("pow pool regeneration produced no entries")
		}
	}

	entry := entries[0]
	if err := p.writePool(ctx, entries[1:]); err != nil {
		return nil, err
	}

	p.registerSolution(ctx, entry)

	if len(entries)-1 < poolLowWater {
		p.refillAsync(ctx)
	}

	return &entry, nil
}

// Len reports how many pre-solved challenges are stocked.
func (p *Pool) Len(ctx context.Context) int {
	entries, err := p.readPool(ctx)
	if err != nil {
		return 0
	}
	return len(entries)
}

// refillAsync schedules a pool refill on the worker pool. A saturated worker
// pool means a refill is already running; dropping the request is fine.
func (p *Pool) refillAsync(ctx context.Context) {
	err := p.workers.Submit(func() {
		refillCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := p.Initialize(refillCtx, p.size, p.difficulty); err != nil {
			p.logger.Warn().Err(err).Msg("pow pool refill failed")
		}
	})
	if err != nil && err != ants.ErrPoolOverload {
		p.logger.Warn().Err(err).Msg("failed to schedule pow pool refill")
	}
}

// registerSolution exposes a popped entry's answer to the launcher's solved
// cache so VerifySolution is a single lookup.
func (p *Pool) registerSolution(ctx context.Context, entry PoolEntry) {
	solution := Solution{
		Challenge:  entry.Challenge,
		Nonce:      entry.Nonce,
		Hash:       entry.Hash,
		ComputedAt: entry.Created,
	}

	raw, err := json.Marshal(solution)
	if err != nil {
		return
	}
	if err := p.store.Set(ctx, solutionKeyPrefix+entry.ID, string(raw), SolutionCacheTTL); err != nil {
		p.logger.Warn().Err(err).Msg("failed to register pooled solution")
	}
}

func (p *Pool) solveFresh(difficulty int) (PoolEntry, bool) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return PoolEntry{}, false
	}

	id := hex.EncodeToString(idBytes)
	created := time.Now().Unix()
	challenge := fmt.Sprintf("%s:%d:%d", id, created, difficulty)

	for nonce := 0; nonce < poolSolveCap; nonce++ {
		hash := solutionHash(challenge, strconv.Itoa(nonce))
		if !meetsDifficulty(hash, difficulty) {
			continue
		}

		return PoolEntry{
			ID:         id,
			Challenge:  challenge,
			Nonce:      int64(nonce),
			Hash:       hash,
			Difficulty: difficulty,
			Created:    created,
		}, true
	}

	p.logger.Warn().Str("id", id).Msg("pool entry solve cap reached")
	return PoolEntry{}, false
}

func (p *Pool) readPool(ctx context.Context) ([]PoolEntry, error) {
	raw, err := p.store.Get(ctx, poolKey)
	if err != nil {
		// A missing pool is an empty pool.
		return nil, nil
	}

	var entries []PoolEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		p.logger.Warn().Err(err).Msg("corrupt pow pool, discarding")
		return nil, nil
	}

	return entries, nil
}

func (p *Pool) writePool(ctx context.Context, entries []PoolEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal pool: %w", err)
	}
	if err := p.store.Set(ctx, poolKey, string(raw), poolTTL); err != nil {
		return fmt.Errorf("failed to store pool: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/adapters/events"
	"github.com/layer-3/citadel/adapters/store"
	"github.com/layer-3/citadel/captcha"
	"github.com/layer-3/citadel/challenge"
	"github.com/layer-3/citadel/circuit"
	"github.com/layer-3/citadel/pow"
	"github.com/layer-3/citadel/service"
	"github.com/layer-3/citadel/signer"
	"github.com/layer-3/citadel/token"
	transport "github.com/layer-3/citadel/transport/http"
)

var cli struct {
	Secret   string `kong:"required,env='CITADEL_SECRET',help='Server HMAC secret shared across instances.'"`
	RedisURL string `kong:"env='CITADEL_REDIS_URL',default='redis://localhost:6379/0',help='Shared cache store URL.'"`
	Listen   string `kong:"env='CITADEL_LISTEN',default=':9000',help='HTTP listen address.'"`

	PoolSize       int  `kong:"env='CITADEL_POOL_SIZE',default='10',help='Pre-solved PoW pool size.'"`
	PoolDifficulty int  `kong:"env='CITADEL_POOL_DIFFICULTY',default='4',help='Difficulty of pooled challenges.'"`
	Debug          bool `kong:"env='CITADEL_DEBUG',help='Enable debug logging.'"`
}

func main() {
	kctx := kong.Parse(&cli, kong.Name("citadel"),
		kong.Description("Stateless anti-automation and DDoS mitigation service."))

	level := zerolog.InfoLevel
	if cli.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	sig, err := signer.New(cli.Secret)
	kctx.FatalIfErrorf(err)

	opts, err := redis.ParseURL(cli.RedisURL)
	kctx.FatalIfErrorf(err)

	redisClient := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	kctx.FatalIfErrorf(redisClient.Ping(pingCtx).Err())

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{Client: redisClient},
		watermill.NewStdLogger(false, false),
	)
	kctx.FatalIfErrorf(err)

	cacheStore := store.NewRedisStore(redisClient)
	eventPub := events.NewWatermillPublisher(publisher)

	engine := pow.NewEngine(sig, logger)
	launcher := pow.NewLauncher(sig, cacheStore, logger)

	pool, err := pow.NewPool(cacheStore, logger, cli.PoolSize, cli.PoolDifficulty)
	kctx.FatalIfErrorf(err)
	defer pool.Close()

	if _, err := pool.Initialize(context.Background(), cli.PoolSize, cli.PoolDifficulty); err != nil {
		logger.Warn().Err(err).Msg("initial pow pool fill failed")
	}

	bucket := token.NewBucket(sig, cacheStore, eventPub, logger)
	chain := challenge.NewChain(sig, engine, bucket, logger)
	tracker := circuit.NewTracker(cacheStore, logger)
	oneClick := captcha.New(cacheStore, logger, captcha.DefaultOptions())

	protection := service.NewProtection(tracker, bucket, chain, engine, launcher, pool, eventPub, logger)

	router := transport.SetupRouter(protection, oneClick)

	logger.Info().Str("listen", cli.Listen).Msg("starting citadel")
	if err := router.Run(cli.Listen); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

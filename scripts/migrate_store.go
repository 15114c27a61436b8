package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"trialsync/internal/config"
	"trialsync/internal/database"
	"trialsync/internal/domain"
	"trialsync/internal/repository"

	"github.com/rs/zerolog"
)

// Copies durable entries between the sqlite file and Redis, e.g. before
// switching a deployment to the Redis-primary store.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath    = flag.String("db", "./data/trialsync.db", "path to sqlite db")
		redisAddr = flag.String("redis", "localhost:6379", "redis address")
		redisDB   = flag.Int("redis-db", 0, "redis database")
		prefix    = flag.String("prefix", "trialsync:", "redis key prefix")
		direction = flag.String("direction", "sqlite-to-redis", "sqlite-to-redis or redis-to-sqlite")
		only      = flag.String("namespace", "", "copy only keys with this prefix, e.g. queue:")
		dryRun    = flag.Bool("dry-run", false, "list keys without writing")
	)
	flag.Parse()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	client := repository.NewRedisClient(config.RedisConfig{Address: *redisAddr, DB: *redisDB})
	defer repository.Close(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := repository.Ping(ctx, client); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	redisStore := repository.NewRedisStore(client, *prefix)

	var src, dst domain.DurableStore
	switch *direction {
	case "sqlite-to-redis":
		src, dst = db, redisStore
	case "redis-to-sqlite":
		src, dst = redisStore, db
	default:
		return fmt.Errorf("unknown direction %q", *direction)
	}

	values, err := src.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	copied := 0
	for _, val := range values {
		if *only != "" && !strings.HasPrefix(val.Key, *only) {
			continue
		}
		if *dryRun {
			logger.Info().Str("key", val.Key).Int("bytes", len(val.Data)).Msg("would copy")
			continue
		}
		if err := dst.Set(ctx, val); err != nil {
			return fmt.Errorf("write %s: %w", val.Key, err)
		}
		copied++
	}

	logger.Info().Int("total", len(values)).Int("copied", copied).Str("direction", *direction).Msg("migration completed")
	return nil
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/cricket-kart/internal/repository"
)

func main() {
	var (
		dataDir     string
		databaseURL string
		cfg         ingestConfig
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz coupon batches")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&cfg.capacity, "expected-codes", 1_000_000, "expected codes per batch, sizes the bloom filters")
	flag.Float64Var(&cfg.fpr, "bloom-fpr", 0.001, "bloom filter false positive rate")
	flag.IntVar(&cfg.workers, "workers", 4, "batches parsed concurrently")
	flag.IntVar(&cfg.batchSize, "batch-size", 500, "coupons per upsert batch")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, cfg); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string, cfg ingestConfig) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list batches")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.csv.gz batches in %s", dataDir)
	}
	if len(files) > maxBatches {
		return errors.Errorf("too many batches: %d, at most %d per run", len(files), maxBatches)
	}
	sort.Strings(files)

	res, err := ingest(ctx, files, cfg, time.Now())
	if err != nil {
		return err
	}

	slog.Info("batches parsed",
		slog.Int("files", len(files)),
		slog.Int("coupons", len(res.coupons)),
		slog.Int("rejected", res.rejected),
		slog.Int("cross_batch_duplicates", len(res.duplicates)),
	)
	for _, code := range res.duplicates {
		slog.Warn("code appears in more than one batch, skipped", slog.String("code", code))
	}

	if len(res.coupons) == 0 {
		slog.Info("no coupons to write")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := repository.NewCouponRepository(pool)
	var written int64
	for start := 0; start < len(res.coupons); start += cfg.batchSize {
		end := min(start+cfg.batchSize, len(res.coupons))
		n, err := repo.UpsertBatch(ctx, res.coupons[start:end])
		if err != nil {
			return errors.Wrapf(err, "upsert coupons %d-%d", start, end)
		}
		written += n
		slog.Info("write progress", slog.Int("processed", end), slog.Int("total", len(res.coupons)))
	}

	if skipped := int64(len(res.coupons)) - written; skipped > 0 {
		slog.Warn("some coupons were not updated because their new limit is below usage",
			slog.Int64("skipped", skipped))
	}

	return nil
}

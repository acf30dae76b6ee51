package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/cricket-kart/internal/domain/coupon"
)

// maxBatches bounds the files of one run: each file owns a bit of a uint
// mask.
const maxBatches = bits.UintSize

const progressEvery = 100_000

type ingestConfig struct {
	capacity  uint
	fpr       float64
	workers   int
	batchSize int
}

// batch is the parsed content of one file.
type batch struct {
	coupons []coupon.Coupon
	// seenElsewhere marks codes that may also occur in another file.
	seenElsewhere map[string]uint
	rejected      int
}

type ingestResult struct {
	coupons    []coupon.Coupon
	duplicates []string
	rejected   int
}

// ingest parses every file and drops codes that occur in more than one of
// them, since the batches disagree on which definition is current.
//
// Pass 1 builds a bloom filter per file. Pass 2 parses each file and tags
// codes that hit another file's filter with the file's bit; codes whose
// merged mask has two or more bits are confirmed duplicates, so filter
// false positives never drop a coupon.
func ingest(ctx context.Context, files []string, cfg ingestConfig, now time.Time) (*ingestResult, error) {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters, err := buildFilters(ctx, files, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: parsing batches")

	batches := make([]batch, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.workers, 1))
	for i, path := range files {
		g.Go(func() error {
			b, err := parseBatch(gctx, i, path, filters, now)
			if err != nil {
				return errors.Wrapf(err, "parse batch %s", path)
			}
			batches[i] = *b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, b := range batches {
		for code, mask := range b.seenElsewhere {
			merged[code] |= mask
		}
	}
	dup := make(map[string]bool)
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			dup[code] = true
		}
	}

	res := &ingestResult{}
	for _, b := range batches {
		res.rejected += b.rejected
		for _, c := range b.coupons {
			if !dup[c.Code] {
				res.coupons = append(res.coupons, c)
			}
		}
	}
	for code := range dup {
		res.duplicates = append(res.duplicates, code)
	}
	sort.Strings(res.duplicates)
	return res, nil
}

func buildFilters(ctx context.Context, files []string, cfg ingestConfig) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.workers, 1))
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(cfg.capacity, cfg.fpr)
			var count uint64
			if err := streamRecords(ctx, path, func(_ int, rec []string) {
				filter.AddString(coupon.NormalizeCode(rec[0]))
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Uint64("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func parseBatch(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter, now time.Time) (*batch, error) {
	b := &batch{seenElsewhere: make(map[string]uint)}
	own := make(map[string]bool)
	fileBit := uint(1) << uint(idx)

	err := streamRecords(ctx, path, func(line int, rec []string) {
		c, err := parseRecord(rec, now)
		if err != nil {
			b.rejected++
			slog.Warn("invalid coupon row",
				slog.String("file", path),
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			return
		}
		if own[c.Code] {
			b.rejected++
			slog.Warn("duplicate code within batch, keeping first",
				slog.String("file", path), slog.Int("line", line), slog.String("code", c.Code))
			return
		}
		own[c.Code] = true

		for j, f := range filters {
			if j != idx && f.TestString(c.Code) {
				b.seenElsewhere[c.Code] |= fileBit
				break
			}
		}
		b.coupons = append(b.coupons, *c)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("pass 2 complete",
		slog.String("file", path),
		slog.Int("coupons", len(b.coupons)),
		slog.Int("rejected", b.rejected),
		slog.Int("candidates", len(b.seenElsewhere)),
	)
	return b, nil
}

// parseRecord reads one row:
//
//	code,type,value,min_purchase,expires_at,max_uses
//
// expires_at is a date or an RFC 3339 timestamp; an empty max_uses means
// unlimited. Coupons are created active.
func parseRecord(rec []string, now time.Time) (*coupon.Coupon, error) {
	if len(rec) != 6 {
		return nil, errors.Errorf("want 6 fields, got %d", len(rec))
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}

	value, err := decimal.NewFromString(rec[2])
	if err != nil {
		return nil, errors.Wrap(err, "value")
	}
	minPurchase := decimal.Zero
	if rec[3] != "" {
		if minPurchase, err = decimal.NewFromString(rec[3]); err != nil {
			return nil, errors.Wrap(err, "min_purchase")
		}
	}
	expires, err := parseExpiry(rec[4])
	if err != nil {
		return nil, err
	}
	limit := coupon.Unlimited()
	if rec[5] != "" {
		n, err := strconv.Atoi(rec[5])
		if err != nil {
			return nil, errors.Wrap(err, "max_uses")
		}
		limit = coupon.MaxUses(n)
	}

	return coupon.New(coupon.Params{
		Code:        rec[0],
		Kind:        coupon.Kind(strings.ToLower(rec[1])),
		Value:       value,
		MinPurchase: minPurchase,
		ExpiresAt:   expires,
		Limit:       limit,
		Active:      true,
	}, now)
}

// parseExpiry treats a bare date as the end of that day in UTC.
func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Add(24*time.Hour - time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Errorf("expires_at: %q is neither a date nor RFC 3339", s)
	}
	return t, nil
}

// streamRecords opens a gzip-compressed CSV file and calls fn for each data
// row with its 1-based line number. A leading header row is skipped.
func streamRecords(ctx context.Context, path string, fn func(line int, rec []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return readRecords(ctx, gz, fn)
}

func readRecords(ctx context.Context, r io.Reader, fn func(line int, rec []string)) error {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read line %d", line)
		}
		if len(rec) == 0 || rec[0] == "" {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
			continue
		}
		fn(line, rec)
	}
}

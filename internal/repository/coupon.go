package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/coupon"
)

const couponColumns = `code, kind, value, min_purchase, expires_at, max_uses, used_count, active, created_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons ORDER BY created_at DESC, code`

	// The eligibility predicate and the increment are one statement, so
	// concurrent redemptions of the last use serialize on the row lock.
	redeemCouponSQL = `UPDATE coupons SET used_count = used_count + 1
		WHERE code = $1
			AND active = TRUE
			AND expires_at > $2
			AND (max_uses IS NULL OR used_count < max_uses)
			AND min_purchase <= $3
		RETURNING ` + couponColumns

	createCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	updateCouponSQL = `UPDATE coupons
		SET kind = $2, value = $3, min_purchase = $4, expires_at = $5, max_uses = $6, active = $7
		WHERE code = $1 AND ($6::INTEGER IS NULL OR used_count <= $6::INTEGER)`

	couponExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)`

	upsertCouponSQL = `INSERT INTO coupons (code, kind, value, min_purchase, expires_at, max_uses, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE SET kind = EXCLUDED.kind, value = EXCLUDED.value,
			min_purchase = EXCLUDED.min_purchase, expires_at = EXCLUDED.expires_at,
			max_uses = EXCLUDED.max_uses, active = EXCLUDED.active
		WHERE EXCLUDED.max_uses IS NULL OR coupons.used_count <= EXCLUDED.max_uses`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its normalized code regardless of its
// eligibility. Returns coupon.ErrNotFound when no row matches.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// Redeem increments the usage counter of code when the coupon qualifies at
// now for purchase. Returns coupon.ErrNotFound when no row was updated.
func (r *CouponRepository) Redeem(ctx context.Context, code string, purchase decimal.Decimal, now time.Time) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, redeemCouponSQL, code, now, purchase)
	if err != nil {
		return nil, fmt.Errorf("redeeming coupon %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("redeeming coupon %q: %w", code, err)
	}
	return &c, nil
}

// Create inserts a new coupon. Returns coupon.ErrDuplicateCode when the code
// is taken.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	_, err := r.pool.Exec(ctx, createCouponSQL,
		c.Code, string(c.Kind), c.Value, c.MinPurchase, c.ExpiresAt,
		maxUsesParam(c.Limit), c.UsedCount, c.Active, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return coupon.ErrDuplicateCode
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

// List returns every coupon, newest first.
func (r *CouponRepository) List(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listCouponsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// Update writes the administrator-mutable fields of c. The quota check runs
// against the stored counter, not the one in c.
func (r *CouponRepository) Update(ctx context.Context, c *coupon.Coupon) error {
	tag, err := r.pool.Exec(ctx, updateCouponSQL,
		c.Code, string(c.Kind), c.Value, c.MinPurchase, c.ExpiresAt,
		maxUsesParam(c.Limit), c.Active,
	)
	if err != nil {
		return fmt.Errorf("updating coupon %q: %w", c.Code, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, couponExistsSQL, c.Code).Scan(&exists); err != nil {
		return fmt.Errorf("probing coupon %q: %w", c.Code, err)
	}
	if !exists {
		return coupon.ErrNotFound
	}
	return coupon.ErrLimitBelowUsage
}

// UpsertBatch inserts coupons or overwrites their mutable fields in a single
// round trip. Redemption counters are preserved, and rows whose counter
// already exceeds the new quota are left untouched. It returns the number of
// rows written.
func (r *CouponRepository) UpsertBatch(ctx context.Context, coupons []coupon.Coupon) (int64, error) {
	batch := &pgx.Batch{}
	for _, c := range coupons {
		batch.Queue(upsertCouponSQL,
			c.Code, string(c.Kind), c.Value, c.MinPurchase, c.ExpiresAt,
			maxUsesParam(c.Limit), c.Active,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	var written int64
	for _, c := range coupons {
		tag, err := br.Exec()
		if err != nil {
			return written, fmt.Errorf("upserting coupon %q: %w", c.Code, err)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

func maxUsesParam(l coupon.Limit) *int32 {
	n, ok := l.Max()
	if !ok {
		return nil
	}
	v := int32(n)
	return &v
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c       coupon.Coupon
		kind    string
		maxUses *int32
		used    int32
	)
	err := row.Scan(
		&c.Code, &kind, &c.Value, &c.MinPurchase, &c.ExpiresAt,
		&maxUses, &used, &c.Active, &c.CreatedAt,
	)
	c.Kind = coupon.Kind(kind)
	c.UsedCount = int(used)
	c.Limit = coupon.Unlimited()
	if maxUses != nil {
		c.Limit = coupon.MaxUses(int(*maxUses))
	}
	return c, err
}

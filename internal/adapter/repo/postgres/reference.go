// Package postgres provides the reference-product repository backed by
// the product catalog database.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/commercewatch/prodscan/internal/domain"
)

// Row and Rows mirror the subset of pgx result types the repository
// touches, so tests can substitute canned results.
type Row interface {
	Scan(dest ...any) error
}

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// DB is the query surface the repository needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// PoolDB adapts a pgx pool to the DB interface.
type PoolDB struct {
	Pool *pgxpool.Pool
}

func (p PoolDB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return p.Pool.Query(ctx, sql, args...)
}

func (p PoolDB) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return p.Pool.QueryRow(ctx, sql, args...)
}

// ReferenceRepo implements domain.ReferenceRepository over the
// reference_products table.
type ReferenceRepo struct {
	db DB
}

func NewReferenceRepo(db DB) *ReferenceRepo {
	return &ReferenceRepo{db: db}
}

const referenceColumns = `platform, native_id, url, name, thumbnail_url,
	original_price, discounted_price, sale_status, updated_at`

// GetByNativeID returns the authoritative row for one platform-native
// product id.
func (r *ReferenceRepo) GetByNativeID(ctx context.Context, p domain.Platform, nativeID string) (domain.ReferenceProduct, error) {
	tracer := otel.Tracer("repo.postgres")
	ctx, span := tracer.Start(ctx, "ReferenceRepo.GetByNativeID")
	defer span.End()
	span.SetAttributes(attribute.String("platform", string(p)))

	row := r.db.QueryRow(ctx,
		`SELECT `+referenceColumns+`
		 FROM reference_products
		 WHERE platform = $1 AND native_id = $2`,
		string(p), nativeID,
	)
	ref, err := scanReference(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReferenceProduct{}, fmt.Errorf("op=postgres.get: %w: %s/%s", domain.ErrNotFound, p, nativeID)
		}
		return domain.ReferenceProduct{}, fmt.Errorf("op=postgres.get: %w", err)
	}
	return ref, nil
}

// ListTargets returns the rows most overdue for a rescan, oldest
// updated_at first.
func (r *ReferenceRepo) ListTargets(ctx context.Context, p domain.Platform, limit int) ([]domain.ReferenceProduct, error) {
	tracer := otel.Tracer("repo.postgres")
	ctx, span := tracer.Start(ctx, "ReferenceRepo.ListTargets")
	defer span.End()
	span.SetAttributes(attribute.String("platform", string(p)), attribute.Int("limit", limit))

	if limit <= 0 {
		return nil, fmt.Errorf("op=postgres.list: %w: limit must be positive", domain.ErrInvalidArgument)
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+referenceColumns+`
		 FROM reference_products
		 WHERE platform = $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		string(p), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.list: %w", err)
	}
	defer rows.Close()

	var out []domain.ReferenceProduct
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, fmt.Errorf("op=postgres.list: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=postgres.list: %w", err)
	}
	return out, nil
}

func scanReference(row Row) (domain.ReferenceProduct, error) {
	var ref domain.ReferenceProduct
	var platform, saleStatus string
	err := row.Scan(
		&platform, &ref.NativeID, &ref.URL, &ref.Name, &ref.ThumbnailURL,
		&ref.OriginalPrice, &ref.DiscountedPrice, &saleStatus, &ref.UpdatedAt,
	)
	if err != nil {
		return domain.ReferenceProduct{}, err
	}
	ref.Platform = domain.Platform(platform)
	ref.SaleStatus = domain.SaleStatus(saleStatus)
	return ref, nil
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntityRepository is the persistence boundary the orchestrator trusts to
// provide atomic single-row operations with a unique constraint on (kind,
// slug). Both implementations surface ErrSlugConflict on a slug race so the
// job engine can reconcile instead of failing.
type EntityRepository interface {
	// FindBySlug resolves an entity by slug. If explicitID is non-zero it is
	// tried first, which closes races where the caller already knows the row
	// the slug resolved to.
	FindBySlug(ctx context.Context, kind Kind, slug string, explicitID int64) (*Entity, error)

	// FindAllByTitleSlug returns all entities whose slug starts with the
	// given base slug, used for collision disambiguation.
	FindAllByTitleSlug(ctx context.Context, kind Kind, baseSlug string) ([]*Entity, error)

	// Create inserts a new entity row. Returns ErrSlugConflict if the slug
	// is already taken.
	Create(ctx context.Context, e *Entity) error

	// SetDefaultVariant updates the entity's canonical-variant pointer.
	SetDefaultVariant(ctx context.Context, entityID, variantID int64) error

	// Variants returns every variant for the entity, archived included.
	Variants(ctx context.Context, entityID int64) ([]*Variant, error)

	// VariantByID resolves one variant.
	VariantByID(ctx context.Context, id int64) (*Variant, error)

	// CreateVariant inserts a new variant row.
	CreateVariant(ctx context.Context, v *Variant) error

	// UpdateVariantText rewrites a variant's text, model and locale in
	// place. Used only by the baseline-locked update path.
	UpdateVariantText(ctx context.Context, id int64, text, model, locale string) error

	// ArchiveVariant stamps archived_at on the variant.
	ArchiveVariant(ctx context.Context, id int64, at time.Time) error
}

// pgRepository is the production repository on a pgx pool.
type pgRepository struct {
	db *pgxpool.Pool
}

var _ EntityRepository = (*pgRepository)(nil)

// NewPGRepository connects a repository to Postgres.
func NewPGRepository(ctx context.Context, dsn string) (EntityRepository, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &pgRepository{db: db}, nil
}

const _entityColumns = "id, kind, slug, title, year, director, default_variant_id, created_at"

func scanEntity(row pgx.Row) (*Entity, error) {
	var e Entity
	var year, defaultVariantID *int64
	var director *string
	err := row.Scan(&e.ID, &e.Kind, &e.Slug, &e.Title, &year, &director, &defaultVariantID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	if year != nil {
		e.Year = int(*year)
	}
	if director != nil {
		e.Director = *director
	}
	if defaultVariantID != nil {
		e.DefaultVariantID = *defaultVariantID
	}
	return &e, nil
}

func (r *pgRepository) FindBySlug(ctx context.Context, kind Kind, slug string, explicitID int64) (*Entity, error) {
	if explicitID > 0 {
		e, err := scanEntity(r.db.QueryRow(ctx,
			"SELECT "+_entityColumns+" FROM entities WHERE kind = $1 AND id = $2", kind, explicitID))
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, errNotFound) {
			return nil, err
		}
	}
	return scanEntity(r.db.QueryRow(ctx,
		"SELECT "+_entityColumns+" FROM entities WHERE kind = $1 AND slug = $2", kind, slug))
}

func (r *pgRepository) FindAllByTitleSlug(ctx context.Context, kind Kind, baseSlug string) ([]*Entity, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+_entityColumns+" FROM entities WHERE kind = $1 AND (slug = $2 OR slug LIKE $3)",
		kind, baseSlug, baseSlug+"-%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgRepository) Create(ctx context.Context, e *Entity) error {
	e.CreatedAt = time.Now()
	err := r.db.QueryRow(ctx, `
		INSERT INTO entities (kind, slug, title, year, director, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.Kind, e.Slug, e.Title, e.Year, e.Director, e.CreatedAt).Scan(&e.ID)
	if isSlugViolation(err) {
		return ErrSlugConflict
	}
	return err
}

// isSlugViolation detects the unique-slug constraint structurally, by SQL
// state and constraint name, rather than by matching the error message.
func isSlugViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "slug")
}

func (r *pgRepository) SetDefaultVariant(ctx context.Context, entityID, variantID int64) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE entities SET default_variant_id = $2 WHERE id = $1", entityID, variantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNotFound
	}
	return nil
}

const _variantColumns = "id, entity_id, locale, context_tag, text, model, version, archived_at, created_at"

func scanVariant(row pgx.Row) (*Variant, error) {
	var v Variant
	var model *string
	err := row.Scan(&v.ID, &v.EntityID, &v.Locale, &v.ContextTag, &v.Text, &model, &v.Version, &v.ArchivedAt, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	if model != nil {
		v.Model = *model
	}
	return &v, nil
}

func (r *pgRepository) Variants(ctx context.Context, entityID int64) ([]*Variant, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+_variantColumns+" FROM content_variants WHERE entity_id = $1 ORDER BY id", entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *pgRepository) VariantByID(ctx context.Context, id int64) (*Variant, error) {
	return scanVariant(r.db.QueryRow(ctx,
		"SELECT "+_variantColumns+" FROM content_variants WHERE id = $1", id))
}

func (r *pgRepository) CreateVariant(ctx context.Context, v *Variant) error {
	v.CreatedAt = time.Now()
	return r.db.QueryRow(ctx, `
		INSERT INTO content_variants (entity_id, locale, context_tag, text, model, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		v.EntityID, v.Locale, v.ContextTag, v.Text, v.Model, v.Version, v.CreatedAt).Scan(&v.ID)
}

func (r *pgRepository) UpdateVariantText(ctx context.Context, id int64, text, model, locale string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE content_variants SET text = $2, model = $3, locale = $4 WHERE id = $1 AND archived_at IS NULL",
		id, text, model, locale)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNotFound
	}
	return nil
}

func (r *pgRepository) ArchiveVariant(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE content_variants SET archived_at = $2 WHERE id = $1 AND archived_at IS NULL", id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNotFound
	}
	return nil
}

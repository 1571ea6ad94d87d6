package internal

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryRepository mirrors the Postgres repository's constraints in process
// memory: unique (kind, slug), ErrSlugConflict on races, monotonic IDs.
// Tests inject it in place of pgRepository.
type memoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	entities map[int64]*Entity
	variants map[int64]*Variant
}

var _ EntityRepository = (*memoryRepository)(nil)

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		entities: map[int64]*Entity{},
		variants: map[int64]*Variant{},
	}
}

func (r *memoryRepository) id() int64 {
	r.nextID++
	return r.nextID
}

func copyEntity(e *Entity) *Entity {
	cp := *e
	return &cp
}

func copyVariant(v *Variant) *Variant {
	cp := *v
	if v.ArchivedAt != nil {
		at := *v.ArchivedAt
		cp.ArchivedAt = &at
	}
	return &cp
}

func (r *memoryRepository) FindBySlug(ctx context.Context, kind Kind, slug string, explicitID int64) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if explicitID > 0 {
		if e, ok := r.entities[explicitID]; ok && e.Kind == kind {
			return copyEntity(e), nil
		}
	}
	for _, e := range r.entities {
		if e.Kind == kind && e.Slug == slug {
			return copyEntity(e), nil
		}
	}
	return nil, errNotFound
}

func (r *memoryRepository) FindAllByTitleSlug(ctx context.Context, kind Kind, baseSlug string) ([]*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entity
	for _, e := range r.entities {
		if e.Kind == kind && (e.Slug == baseSlug || strings.HasPrefix(e.Slug, baseSlug+"-")) {
			out = append(out, copyEntity(e))
		}
	}
	return out, nil
}

func (r *memoryRepository) Create(ctx context.Context, e *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.entities {
		if existing.Kind == e.Kind && existing.Slug == e.Slug {
			return ErrSlugConflict
		}
	}
	e.ID = r.id()
	e.CreatedAt = time.Now()
	r.entities[e.ID] = copyEntity(e)
	return nil
}

func (r *memoryRepository) SetDefaultVariant(ctx context.Context, entityID, variantID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[entityID]
	if !ok {
		return errNotFound
	}
	e.DefaultVariantID = variantID
	return nil
}

func (r *memoryRepository) Variants(ctx context.Context, entityID int64) ([]*Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Variant
	for id := int64(1); id <= r.nextID; id++ {
		if v, ok := r.variants[id]; ok && v.EntityID == entityID {
			out = append(out, copyVariant(v))
		}
	}
	return out, nil
}

func (r *memoryRepository) VariantByID(ctx context.Context, id int64) (*Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.variants[id]
	if !ok {
		return nil, errNotFound
	}
	return copyVariant(v), nil
}

func (r *memoryRepository) CreateVariant(ctx context.Context, v *Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v.ID = r.id()
	v.CreatedAt = time.Now()
	r.variants[v.ID] = copyVariant(v)
	return nil
}

func (r *memoryRepository) UpdateVariantText(ctx context.Context, id int64, text, model, locale string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.variants[id]
	if !ok || v.Archived() {
		return errNotFound
	}
	v.Text = text
	v.Model = model
	v.Locale = locale
	return nil
}

func (r *memoryRepository) ArchiveVariant(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.variants[id]
	if !ok || v.Archived() {
		return errNotFound
	}
	v.ArchivedAt = &at
	return nil
}

package internal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// EntityView is the read-path response shape: the entity plus its promoted
// variant, under the field name the kind's policy dictates.
type EntityView struct {
	Entity
	Description *Variant `json:"description,omitempty"`
	Bio         *Variant `json:"bio,omitempty"`
}

// LookupResult is either a served entity (Payload set) or a pointer at the
// generation job to poll (Job set).
type LookupResult struct {
	Payload []byte
	Job     *JobRecord
}

// Controller glues the read path to the generation pipeline: serve from
// cache, fall through to the repository, and on a miss either point the
// caller at the already-running job or enqueue a new one.
type Controller struct {
	repo   EntityRepository
	ledger *Ledger
	queue  Queue
	cache  *readCache
	flags  FeatureFlags
	jobs   JobMetrics
	reads  ReadMetrics
	group  singleflight.Group
}

// NewController wires up a controller. Nil metrics fall back to no-ops.
func NewController(repo EntityRepository, ledger *Ledger, queue Queue, store Store, flags FeatureFlags, jobs JobMetrics, reads ReadMetrics) *Controller {
	if jobs == nil {
		jobs = noJobMetrics{}
	}
	if reads == nil {
		reads = noReadMetrics{}
	}
	return &Controller{
		repo:   repo,
		ledger: ledger,
		queue:  queue,
		cache:  newReadCache(store),
		flags:  flags,
		jobs:   jobs,
		reads:  reads,
	}
}

// Lookup resolves a slug. Three outcomes: a cached or fresh entity payload,
// a job record to poll while generation runs, or an error. Cache misses for
// the same tuple are coalesced so a stampede on a cold slug produces one
// repository read and at most one enqueue.
func (c *Controller) Lookup(ctx context.Context, kind Kind, slug, locale, contextTag string) (*LookupResult, error) {
	if payload, ok := c.cache.GetEntity(ctx, kind, slug); ok {
		c.reads.CacheHit(kind)
		return &LookupResult{Payload: payload}, nil
	}
	c.reads.CacheMiss(kind)

	res, err, _ := c.group.Do(slugKey("lookup", kind, slug, locale, contextTag), func() (any, error) {
		return c.lookupSlow(ctx, kind, slug, locale, contextTag)
	})
	if err != nil {
		return nil, err
	}
	return res.(*LookupResult), nil
}

func (c *Controller) lookupSlow(ctx context.Context, kind Kind, slug, locale, contextTag string) (*LookupResult, error) {
	entity, err := c.repo.FindBySlug(ctx, kind, slug, 0)
	if err == nil {
		payload, err := c.renderEntity(ctx, entity)
		if err != nil {
			return nil, err
		}
		c.cache.SetEntity(ctx, kind, slug, payload)
		return &LookupResult{Payload: payload}, nil
	}
	if !errors.Is(err, errNotFound) {
		return nil, err
	}

	if !c.flags.IsActive(FlagGeneration) {
		return nil, errGenerationDisabled
	}

	// Dedup: an active job for this tuple means poll, don't enqueue.
	if rec := c.ledger.FindActiveJobForSlug(ctx, kind, slug, locale, contextTag); rec != nil {
		return &LookupResult{Job: rec}, nil
	}

	rec, err := c.enqueue(ctx, GenerationRequest{
		Kind:       kind,
		Slug:       slug,
		Locale:     locale,
		ContextTag: contextTag,
	})
	if err != nil {
		return nil, err
	}
	return &LookupResult{Job: rec}, nil
}

// Regenerate enqueues a report-triggered regeneration for an existing
// entity. The job archives the superseded variant and promotes its
// replacement unconditionally.
func (c *Controller) Regenerate(ctx context.Context, kind Kind, slug, locale, contextTag string, baselineID int64) (*JobRecord, error) {
	entity, err := c.repo.FindBySlug(ctx, kind, slug, 0)
	if err != nil {
		return nil, err
	}

	if rec := c.ledger.FindActiveJobForSlug(ctx, kind, slug, locale, contextTag); rec != nil {
		return rec, nil
	}

	return c.enqueue(ctx, GenerationRequest{
		Kind:       kind,
		Slug:       slug,
		EntityID:   entity.ID,
		Locale:     locale,
		ContextTag: contextTag,
		BaselineID: baselineID,
		Regenerate: true,
	})
}

// Refresh enqueues an on-demand refresh for an existing entity, producing a
// new variant or a baseline-locked in-place update depending on flags.
func (c *Controller) Refresh(ctx context.Context, kind Kind, slug, locale, contextTag string, baselineID int64) (*JobRecord, error) {
	entity, err := c.repo.FindBySlug(ctx, kind, slug, 0)
	if err != nil {
		return nil, err
	}

	if rec := c.ledger.FindActiveJobForSlug(ctx, kind, slug, locale, contextTag); rec != nil {
		return rec, nil
	}

	return c.enqueue(ctx, GenerationRequest{
		Kind:       kind,
		Slug:       slug,
		EntityID:   entity.ID,
		Locale:     locale,
		ContextTag: contextTag,
		BaselineID: baselineID,
	})
}

func (c *Controller) enqueue(ctx context.Context, req GenerationRequest) (*JobRecord, error) {
	req.JobID = uuid.NewString()
	rec := c.ledger.Initialize(ctx, req.JobID, req.Kind, req.Slug, req.Locale, req.ContextTag)

	if err := c.queue.Enqueue(ctx, queuedJob{Request: req}); err != nil {
		c.ledger.MarkFailed(ctx, req.JobID, classifyError(err))
		return nil, err
	}

	c.jobs.JobEnqueued(req.Kind)
	Log(ctx).Info("generation job enqueued", "jobID", req.JobID, "kind", req.Kind, "slug", req.Slug)
	return rec, nil
}

// JobStatus returns the pollable record for a job ID. Expired records return
// errNotFound; callers treat that as the job having aged out.
func (c *Controller) JobStatus(ctx context.Context, jobID string) (*JobRecord, error) {
	return c.ledger.Get(ctx, jobID)
}

// Variant fetches one content variant by ID, cached.
func (c *Controller) Variant(ctx context.Context, variantID int64) ([]byte, error) {
	if payload, ok := c.cache.GetVariant(ctx, variantID); ok {
		return payload, nil
	}

	variant, err := c.repo.VariantByID(ctx, variantID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(variant)
	if err != nil {
		return nil, err
	}
	c.cache.SetVariant(ctx, variantID, payload)
	return payload, nil
}

// Variants lists an entity's variants, archived ones included, newest
// version first within each (locale, tag) line left to the client to sort.
func (c *Controller) Variants(ctx context.Context, kind Kind, slug string) ([]byte, error) {
	entity, err := c.repo.FindBySlug(ctx, kind, slug, 0)
	if err != nil {
		return nil, err
	}
	variants, err := c.repo.Variants(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(variants)
}

// renderEntity serializes the entity with its promoted variant attached.
func (c *Controller) renderEntity(ctx context.Context, entity *Entity) ([]byte, error) {
	view := EntityView{Entity: *entity}
	if entity.DefaultVariantID != 0 {
		variant, err := c.repo.VariantByID(ctx, entity.DefaultVariantID)
		if err != nil && !errors.Is(err, errNotFound) {
			return nil, err
		}
		if err == nil {
			if policyFor(entity.Kind).variantField == "bio_id" {
				view.Bio = variant
			} else {
				view.Description = variant
			}
		}
	}
	return json.Marshal(view)
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GenerationRequest describes one generation attempt. EntityID is optional
// and resolves races where the caller already knows which row the slug
// belongs to. Regenerate marks report-triggered regeneration, which uses the
// archive-and-replace versioning policy; on-demand refreshes may instead use
// the baseline-locked in-place policy when the feature flag allows it.
type GenerationRequest struct {
	JobID      string `json:"job_id"`
	Kind       Kind   `json:"kind"`
	Slug       string `json:"slug"`
	EntityID   int64  `json:"entity_id,omitempty"`
	Locale     string `json:"locale,omitempty"`
	ContextTag string `json:"context_tag,omitempty"`
	BaselineID int64  `json:"baseline_id,omitempty"`
	Regenerate bool   `json:"regenerate,omitempty"`
}

// PromotionOutcome records what the default-promotion step decided. Skips
// are explicit outcomes rather than swallowed errors so callers and tests
// can assert on the reason.
type PromotionOutcome struct {
	Promoted bool
	Reason   string
}

// Promotion reasons.
const (
	PromotedFirstVariant = "first_variant"
	PromotedBaseline     = "baseline_matched"
	PromotedRegenerated  = "regenerated"
	SkippedDefaultTaken  = "default_already_set"
	SkippedBaselineMoved = "baseline_moved"
	SkippedLockTimeout   = "lock_timeout"
	SkippedError         = "promotion_error"
)

// Engine runs generation jobs. One engine serves all four entity kinds; the
// per-kind differences are confined to kindPolicy.
type Engine struct {
	repo      EntityRepository
	ledger    *Ledger
	slot      *Slot
	locks     Store
	provider  GenerationProvider
	verifier  Verifier
	validator OutputValidator
	flags     FeatureFlags
	cache     *readCache
	metrics   JobMetrics
}

// NewEngine wires up a generation engine. A nil verifier skips verification
// and a nil metrics falls back to no-ops.
func NewEngine(repo EntityRepository, ledger *Ledger, store Store, provider GenerationProvider, verifier Verifier, validator OutputValidator, flags FeatureFlags, metrics JobMetrics) *Engine {
	if verifier == nil {
		verifier = noVerifier{}
	}
	if metrics == nil {
		metrics = noJobMetrics{}
	}
	return &Engine{
		repo:      repo,
		ledger:    ledger,
		slot:      NewSlot(store),
		locks:     store,
		provider:  provider,
		verifier:  verifier,
		validator: validator,
		flags:     flags,
		cache:     newReadCache(store),
		metrics:   metrics,
	}
}

// Run executes one generation attempt. Success is recorded on the ledger
// here; failures are returned to the caller, because only the queue's retry
// envelope knows whether an attempt is terminal. Marking FAILED early would
// freeze the record and a successful retry could never flip it to DONE.
func (e *Engine) Run(ctx context.Context, req GenerationRequest) error {
	start := time.Now()

	entity, variant, err := e.run(ctx, req)
	if err != nil {
		jobErr := classifyError(err)
		Log(ctx).Warn("generation attempt failed", "jobID", req.JobID, "kind", req.Kind, "slug", req.Slug, "type", jobErr.Type, "err", err)
		e.metrics.JobCompleted(req.Kind, StatusFailed, time.Since(start))
		return err
	}

	e.ledger.MarkDone(ctx, req.JobID, entity, variant)
	e.metrics.JobCompleted(req.Kind, StatusDone, time.Since(start))
	Log(ctx).Info("generation job done", "jobID", req.JobID, "kind", req.Kind, "slug", entity.Slug, "entityID", entity.ID)
	return nil
}

func (e *Engine) run(ctx context.Context, req GenerationRequest) (*Entity, *Variant, error) {
	// Claim the generation slot for this tuple. A queue retry of our own
	// job still holds its claim from the previous attempt, which is fine.
	if !e.slot.Acquire(ctx, req.Kind, req.Slug, req.JobID, req.Locale, req.ContextTag) {
		holder, _ := e.slot.Holder(ctx, req.Kind, req.Slug, req.Locale, req.ContextTag)
		if holder != req.JobID {
			// Another job is generating this exact tuple. If it already
			// produced the entity we're done; otherwise back off and let the
			// retry envelope re-drive us after the holder finishes.
			entity, err := e.repo.FindBySlug(ctx, req.Kind, req.Slug, req.EntityID)
			if err == nil {
				return entity, nil, nil
			}
			if !errors.Is(err, errNotFound) {
				return nil, nil, err
			}
			return nil, nil, fmt.Errorf("generation slot for %s/%s held by job %s", req.Kind, req.Slug, holder)
		}
	}
	defer e.slot.Release(ctx, req.Kind, req.Slug, req.JobID, req.Locale, req.ContextTag)

	entity, err := e.repo.FindBySlug(ctx, req.Kind, req.Slug, req.EntityID)
	switch {
	case err == nil:
		return e.refreshExisting(ctx, req, entity, nil, "")
	case errors.Is(err, errNotFound):
		if req.Regenerate || req.EntityID > 0 || req.BaselineID > 0 {
			// Regenerating something that no longer exists. Retrying won't
			// make a deleted row reappear.
			return nil, nil, fmt.Errorf("%s %q not found", req.Kind, req.Slug)
		}
		return e.createNew(ctx, req)
	default:
		return nil, nil, err
	}
}

// createResult carries the creation branch's outcome out of the lock.
type createResult struct {
	entity  *Entity
	variant *Variant

	// refresh is set when the double-check found the entity already exists,
	// in which case the job falls through to the refresh branch.
	refresh bool
}

// createNew runs the creation branch. Content is generated before the lock
// is taken; provider calls run for up to a minute and would outlive the
// lease. The lock covers only the existence double-check and the insert.
func (e *Engine) createNew(ctx context.Context, req GenerationRequest) (*Entity, *Variant, error) {
	gen, text, err := e.generate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	lockKey := creationLockKey(req.Kind, req.Slug)
	lockStart := time.Now()

	res, err := withLock(ctx, e.locks, lockKey, _lockLease, _lockWait, func(ctx context.Context) (createResult, error) {
		e.metrics.LockWait(lockKey, time.Since(lockStart))

		// Double-check: we may have queued behind a worker that just
		// finished creating this slug.
		if entity, err := e.repo.FindBySlug(ctx, req.Kind, req.Slug, 0); err == nil {
			return createResult{entity: entity, refresh: true}, nil
		} else if !errors.Is(err, errNotFound) {
			return createResult{}, err
		}

		return e.insertGenerated(ctx, req, gen, text)
	})

	if errors.Is(err, ErrLockTimeout) {
		// The holder may have created the entity microseconds after our
		// timeout fired. Only propagate if a final re-check, by requested and
		// derived slug, still finds nothing.
		if entity, ok := e.findExisting(ctx, req, gen); ok {
			res = createResult{entity: entity, refresh: true}
		} else {
			return nil, nil, err
		}
	} else if err != nil {
		return nil, nil, err
	}

	if res.refresh {
		return e.refreshExisting(ctx, req, res.entity, gen, text)
	}

	outcome := e.promote(ctx, req, res.entity, res.variant)
	e.invalidate(ctx, req, res.entity)

	if outcome.Promoted {
		res.entity.DefaultVariantID = res.variant.ID
	}
	return res.entity, res.variant, nil
}

// insertGenerated is the inside of the creation lock.
func (e *Engine) insertGenerated(ctx context.Context, req GenerationRequest, gen *Generated, text string) (createResult, error) {
	policy := policyFor(req.Kind)

	base := deriveSlug(gen.Title, gen.Year)
	if base == "" {
		return createResult{}, errors.New("validation failed: generated title produced an empty slug")
	}

	// The requested slug and the derived one can differ ("dune" landing on
	// dune-2021), so existence is re-checked under the derived slug too. A
	// row holding the same work sends the job down the refresh branch
	// instead of disambiguating itself into a duplicate.
	existing, err := e.repo.FindAllByTitleSlug(ctx, req.Kind, base)
	if err != nil {
		return createResult{}, err
	}
	if match := matchGenerated(existing, gen); match != nil {
		return createResult{entity: match, refresh: true}, nil
	}

	entity := &Entity{
		Kind:     req.Kind,
		Slug:     uniqueSlug(base, existing, gen),
		Title:    gen.Title,
		Year:     gen.Year,
		Director: gen.Director,
	}
	if err := e.repo.Create(ctx, entity); err != nil {
		if errors.Is(err, ErrSlugConflict) {
			// Two processes computed the same slug and the lock window
			// didn't fully close. Reconcile by reading the row that landed
			// instead of failing.
			Log(ctx).Info("slug race reconciled", "kind", req.Kind, "slug", entity.Slug)
			winner, ferr := e.repo.FindBySlug(ctx, req.Kind, entity.Slug, 0)
			if ferr != nil {
				return createResult{}, fmt.Errorf("re-fetching after slug race: %w", ferr)
			}
			return createResult{entity: winner}, nil
		}
		return createResult{}, err
	}

	locale := policy.resolveLocale(req.Locale)
	tag := req.ContextTag
	if tag == "" {
		tag = nextContextTag(nil, locale)
	}
	variant := &Variant{
		EntityID:   entity.ID,
		Locale:     locale,
		ContextTag: tag,
		Text:       text,
		Model:      gen.Model,
		Version:    1,
	}
	if err := e.repo.CreateVariant(ctx, variant); err != nil {
		return createResult{}, err
	}

	return createResult{entity: entity, variant: variant}, nil
}

// refreshExisting produces a new or updated variant for an entity that
// already exists. Three sub-policies apply: archive-and-replace for
// regeneration, baseline-locked in-place update when the flag allows and the
// baseline still matches the default, and new-variant creation otherwise. A
// non-nil gen reuses content the creation branch already generated.
func (e *Engine) refreshExisting(ctx context.Context, req GenerationRequest, entity *Entity, gen *Generated, text string) (*Entity, *Variant, error) {
	policy := policyFor(req.Kind)
	locale := policy.resolveLocale(req.Locale)

	variants, err := e.repo.Variants(ctx, entity.ID)
	if err != nil {
		return nil, nil, err
	}

	var baseline *Variant
	if req.BaselineID > 0 {
		baseline, err = e.repo.VariantByID(ctx, req.BaselineID)
		if errors.Is(err, errNotFound) {
			return nil, nil, fmt.Errorf("baseline variant %d not found", req.BaselineID)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	if gen == nil {
		gen, text, err = e.generate(ctx, req)
		if err != nil {
			return nil, nil, err
		}
	}

	var variant *Variant
	switch {
	case req.Regenerate:
		variant, err = e.archiveAndReplace(ctx, req, entity, variants, baseline, locale, text, gen.Model)
	case baseline != nil && e.flags.IsActive(FlagBaselineUpdates) && entity.DefaultVariantID == req.BaselineID:
		// Baseline-locked in-place update: same row, new text, normalized
		// locale, no version bump.
		err = e.repo.UpdateVariantText(ctx, baseline.ID, text, gen.Model, locale)
		if err == nil {
			variant, err = e.repo.VariantByID(ctx, baseline.ID)
		}
	default:
		tag := req.ContextTag
		if tag == "" {
			tag = nextContextTag(variants, locale)
		}
		variant = &Variant{
			EntityID:   entity.ID,
			Locale:     locale,
			ContextTag: tag,
			Text:       text,
			Model:      gen.Model,
			Version:    nextVersion(variants, locale, tag),
		}
		err = e.repo.CreateVariant(ctx, variant)
	}
	if err != nil {
		return nil, nil, err
	}

	outcome := e.promote(ctx, req, entity, variant)
	e.invalidate(ctx, req, entity)

	if outcome.Promoted {
		entity.DefaultVariantID = variant.ID
	}
	return entity, variant, nil
}

// archiveAndReplace archives the superseded variant and inserts its
// successor with the next version number. When no predecessor exists the new
// variant simply starts at version 1.
func (e *Engine) archiveAndReplace(ctx context.Context, req GenerationRequest, entity *Entity, variants []*Variant, baseline *Variant, locale, text, model string) (*Variant, error) {
	old := baseline
	if old == nil {
		tag := req.ContextTag
		if tag == "" {
			tag = TagDefault
		}
		for _, v := range variants {
			if !v.Archived() && v.Locale == locale && v.ContextTag == tag {
				old = v
				break
			}
		}
	}

	version := 1
	tag := req.ContextTag
	if tag == "" {
		tag = TagDefault
	}
	if old != nil {
		if err := e.repo.ArchiveVariant(ctx, old.ID, time.Now()); err != nil && !errors.Is(err, errNotFound) {
			return nil, err
		}
		version = old.Version + 1
		tag = old.ContextTag
		locale = old.Locale
	}

	variant := &Variant{
		EntityID:   entity.ID,
		Locale:     locale,
		ContextTag: tag,
		Text:       text,
		Model:      model,
		Version:    version,
	}
	if err := e.repo.CreateVariant(ctx, variant); err != nil {
		return nil, err
	}
	return variant, nil
}

// generate calls the verification and generation providers and validates the
// output. Verification failures only downgrade the request to unverified.
func (e *Engine) generate(ctx context.Context, req GenerationRequest) (*Generated, string, error) {
	ref, err := e.verifier.Verify(ctx, req.Kind, req.Slug)
	if err != nil {
		Log(ctx).Warn("verification unavailable, generating unverified", "kind", req.Kind, "slug", req.Slug, "err", err)
		ref = nil
	}

	gen, err := e.provider.Generate(ctx, req.Kind, req.Slug, ref)
	if err != nil {
		return nil, "", err
	}

	text, verrs := e.validator.ValidateAndSanitize(gen.Text, ref)
	if len(verrs) > 0 {
		return nil, "", fmt.Errorf("validation failed: %s", strings.Join(verrs, "; "))
	}
	return gen, text, nil
}

// matchGenerated picks the row holding the same work as the generated
// output: identical title, year and director, not merely a colliding slug.
func matchGenerated(existing []*Entity, gen *Generated) *Entity {
	for _, ent := range existing {
		if ent.Title == gen.Title && ent.Year == gen.Year && ent.Director == gen.Director {
			return ent
		}
	}
	return nil
}

// findExisting looks for a persisted row under the requested slug or for the
// generated work itself, used when a lock timeout leaves the outcome
// ambiguous.
func (e *Engine) findExisting(ctx context.Context, req GenerationRequest, gen *Generated) (*Entity, bool) {
	if entity, err := e.repo.FindBySlug(ctx, req.Kind, req.Slug, 0); err == nil {
		return entity, true
	}
	if base := deriveSlug(gen.Title, gen.Year); base != "" {
		if existing, err := e.repo.FindAllByTitleSlug(ctx, req.Kind, base); err == nil {
			if match := matchGenerated(existing, gen); match != nil {
				return match, true
			}
		}
	}
	return nil, false
}

// uniqueSlug disambiguates the derived base slug against the rows already
// occupying it: first with the director, then with a counter. The result is
// deterministic for identical generated output, which is exactly what lets
// the unique constraint catch true duplicates.
func uniqueSlug(base string, existing []*Entity, gen *Generated) string {
	taken := map[string]bool{}
	for _, ent := range existing {
		taken[ent.Slug] = true
	}

	if !taken[base] {
		return base
	}
	if gen.Director != "" {
		if withDirector := base + "-" + slugify(gen.Director); !taken[withDirector] {
			return withDirector
		}
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

// promote decides whether the new variant becomes the entity's default,
// under the promotion lock. Regeneration promotes unconditionally; a
// supplied baseline promotes only while the default still equals it; with no
// baseline only the first-ever variant is promoted. Everything else is an
// explicit skip, and a promotion-lock timeout is non-fatal: the variant
// still exists and is retrievable by ID.
func (e *Engine) promote(ctx context.Context, req GenerationRequest, entity *Entity, variant *Variant) PromotionOutcome {
	if variant == nil {
		return PromotionOutcome{Reason: SkippedDefaultTaken}
	}

	outcome, err := withLock(ctx, e.locks, promotionLockKey(req.Kind, entity.ID), _lockLease, _lockWait, func(ctx context.Context) (PromotionOutcome, error) {
		// Re-read the pointer; another job may have moved it while we were
		// generating.
		current, err := e.repo.FindBySlug(ctx, req.Kind, entity.Slug, entity.ID)
		if err != nil {
			return PromotionOutcome{}, err
		}

		var reason string
		switch {
		case req.Regenerate:
			reason = PromotedRegenerated
		case req.BaselineID > 0:
			if current.DefaultVariantID != req.BaselineID {
				return PromotionOutcome{Reason: SkippedBaselineMoved}, nil
			}
			reason = PromotedBaseline
		default:
			if current.DefaultVariantID != 0 {
				return PromotionOutcome{Reason: SkippedDefaultTaken}, nil
			}
			reason = PromotedFirstVariant
		}

		if err := e.repo.SetDefaultVariant(ctx, entity.ID, variant.ID); err != nil {
			return PromotionOutcome{}, err
		}
		return PromotionOutcome{Promoted: true, Reason: reason}, nil
	})

	if errors.Is(err, ErrLockTimeout) {
		Log(ctx).Warn("promotion lock timed out, leaving default untouched", "kind", req.Kind, "entityID", entity.ID, "variantID", variant.ID)
		return PromotionOutcome{Reason: SkippedLockTimeout}
	}
	if err != nil {
		Log(ctx).Warn("problem promoting variant", "kind", req.Kind, "entityID", entity.ID, "err", err)
		return PromotionOutcome{Reason: SkippedError}
	}
	if !outcome.Promoted {
		Log(ctx).Debug("promotion skipped", "kind", req.Kind, "entityID", entity.ID, "reason", outcome.Reason)
	}
	return outcome
}

// invalidate drops read-path cache entries for every slug that can resolve
// to this entity and for all of its variants, so stale "not found" or
// old-variant responses are never served after generation completes.
func (e *Engine) invalidate(ctx context.Context, req GenerationRequest, entity *Entity) {
	variants, err := e.repo.Variants(ctx, entity.ID)
	if err != nil {
		Log(ctx).Warn("problem listing variants for invalidation, relying on TTL expiry", "entityID", entity.ID, "err", err)
	}
	ids := make([]int64, 0, len(variants))
	for _, v := range variants {
		ids = append(ids, v.ID)
	}
	e.cache.Invalidate(ctx, req.Kind, []string{req.Slug, entity.Slug}, ids)
}

// nextVersion returns the next version number for the (locale, tag) line.
func nextVersion(variants []*Variant, locale, tag string) int {
	version := 1
	for _, v := range variants {
		if v.Locale == locale && v.ContextTag == tag && v.Version >= version {
			version = v.Version + 1
		}
	}
	return version
}

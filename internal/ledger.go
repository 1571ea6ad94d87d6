package internal

import (
	"context"
	"encoding/json"
	"time"
)

// Job statuses. IN_PROGRESS is accepted by the ledger but nothing currently
// emits it; jobs go PENDING → DONE or PENDING → FAILED.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// _jobTTL bounds how long a job outcome stays pollable. Index entries and
// slot claims share the window so nothing can outlive the record it points
// at.
var _jobTTL = 15 * time.Minute

// JobRecord is the pollable state of one generation attempt. Slug is the
// slug actually resolved or created, which can differ from RequestedSlug
// after disambiguation; RequestedSlug stays stable for dedup lookups.
type JobRecord struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	Kind          Kind      `json:"entity_type"`
	Slug          string    `json:"slug"`
	RequestedSlug string    `json:"requested_slug"`
	EntityID      int64     `json:"id,omitempty"`
	DescriptionID int64     `json:"description_id,omitempty"`
	BioID         int64     `json:"bio_id,omitempty"`
	Locale        string    `json:"locale,omitempty"`
	ContextTag    string    `json:"context_tag,omitempty"`
	Error         *JobError `json:"error,omitempty"`
}

// Terminal reports whether the record has reached DONE or FAILED. Terminal
// records are never mutated again; they just expire.
func (r *JobRecord) Terminal() bool {
	return r.Status == StatusDone || r.Status == StatusFailed
}

// active reports whether the record should be discoverable through the slug
// index.
func (r *JobRecord) active() bool {
	return r.Status == StatusPending || r.Status == StatusInProgress
}

// Ledger tracks generation jobs in the shared store: one record per job ID
// plus a slug index pointing at the active job for each (kind, slug, locale,
// context tag) tuple.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger over the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Initialize writes a PENDING record and indexes it under the slug so
// concurrent requests find it and poll instead of enqueuing a duplicate.
func (l *Ledger) Initialize(ctx context.Context, jobID string, kind Kind, slug, locale, contextTag string) *JobRecord {
	rec := &JobRecord{
		JobID:         jobID,
		Status:        StatusPending,
		Kind:          kind,
		Slug:          slug,
		RequestedSlug: slug,
		Locale:        locale,
		ContextTag:    contextTag,
	}
	l.write(ctx, rec)
	return rec
}

// Get returns the record for a job ID, or errNotFound once it has expired.
func (l *Ledger) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	raw, ok := l.store.Get(ctx, jobKey(jobID))
	if !ok {
		return nil, errNotFound
	}
	var rec JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkDone records a successful outcome. The variant lands in the field the
// kind's policy names so movie descriptions and person bios keep their
// distinct wire shapes.
func (l *Ledger) MarkDone(ctx context.Context, jobID string, entity *Entity, variant *Variant) {
	l.update(ctx, jobID, func(rec *JobRecord) {
		rec.Status = StatusDone
		rec.EntityID = entity.ID
		rec.Slug = entity.Slug
		if variant != nil {
			if policyFor(rec.Kind).variantField == "bio_id" {
				rec.BioID = variant.ID
			} else {
				rec.DescriptionID = variant.ID
			}
			rec.Locale = variant.Locale
			rec.ContextTag = variant.ContextTag
		}
	})
}

// MarkFailed records a terminal failure with its structured error payload.
func (l *Ledger) MarkFailed(ctx context.Context, jobID string, jobErr *JobError) {
	l.update(ctx, jobID, func(rec *JobRecord) {
		rec.Status = StatusFailed
		rec.Error = jobErr
	})
}

// update merges a mutation into the existing record. A missing record means
// the TTL already fired, which is a normal outcome, so the update silently
// no-ops. Terminal records are never moved backwards.
func (l *Ledger) update(ctx context.Context, jobID string, mutate func(*JobRecord)) {
	rec, err := l.Get(ctx, jobID)
	if err != nil {
		Log(ctx).Debug("skipping update of expired job", "jobID", jobID)
		return
	}
	if rec.Terminal() {
		Log(ctx).Warn("refusing to mutate terminal job", "jobID", jobID, "status", rec.Status)
		return
	}

	// MarkDone moves Locale/ContextTag to the created variant's, so the
	// index keys written at Initialize are derived before the mutation.
	indexed := keyCandidates(_indexPrefix, rec.Kind, rec.RequestedSlug, rec.Locale, rec.ContextTag)

	mutate(rec)
	l.write(ctx, rec)

	if !rec.active() {
		for _, key := range indexed {
			_ = l.store.Delete(ctx, key)
		}
	}
}

// write persists the record and re-derives the slug index from its merged
// status: only active records are indexed, and indexing follows the same
// qualified-first/bare-fallback rule the lookup uses.
func (l *Ledger) write(ctx context.Context, rec *JobRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		Log(ctx).Error("problem marshaling job record", "jobID", rec.JobID, "err", err)
		return
	}
	l.store.Set(ctx, jobKey(rec.JobID), raw, _jobTTL)

	keys := keyCandidates(_indexPrefix, rec.Kind, rec.RequestedSlug, rec.Locale, rec.ContextTag)
	for _, key := range keys {
		if rec.active() {
			l.store.Set(ctx, key, []byte(rec.JobID), _jobTTL)
		} else {
			_ = l.store.Delete(ctx, key)
		}
	}
}

// FindActiveJobForSlug looks for an active (PENDING or IN_PROGRESS) job for
// the tuple. Stale index entries pointing at expired or terminal records are
// deleted on the way through so a dangling pointer can never permanently
// block new generation attempts. A record for a different locale or context
// tag is treated as no active job, never reused.
func (l *Ledger) FindActiveJobForSlug(ctx context.Context, kind Kind, slug, locale, contextTag string) *JobRecord {
	for _, key := range keyCandidates(_indexPrefix, kind, slug, locale, contextTag) {
		raw, ok := l.store.Get(ctx, key)
		if !ok {
			continue
		}
		jobID := string(raw)

		rec, err := l.Get(ctx, jobID)
		if err != nil || rec.Terminal() {
			// Self-heal: drop the dangling pointer and keep looking.
			_ = l.store.Delete(ctx, key)
			continue
		}
		if rec.Locale != locale || rec.ContextTag != contextTag {
			continue
		}
		return rec
	}
	return nil
}

package internal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type controllerEnv struct {
	repo  *memoryRepository
	store *memoryStore
	queue *memQueue
	flags StaticFlags
	ctrl  *Controller
}

func newControllerEnv(t *testing.T) *controllerEnv {
	t.Helper()
	env := &controllerEnv{
		repo:  newMemoryRepository(),
		store: newMemoryStore(),
		queue: newMemQueue(),
		flags: StaticFlags{FlagGeneration: true},
	}
	env.ctrl = NewController(env.repo, NewLedger(env.store), env.queue, env.store, env.flags, nil, nil)
	return env
}

func (env *controllerEnv) seedEntity(t *testing.T, kind Kind, slug, title string) *Entity {
	t.Helper()
	ctx := context.Background()
	entity := &Entity{Kind: kind, Slug: slug, Title: title}
	require.NoError(t, env.repo.Create(ctx, entity))
	variant := &Variant{EntityID: entity.ID, Locale: "en-US", ContextTag: TagDefault, Text: _testText, Version: 1}
	require.NoError(t, env.repo.CreateVariant(ctx, variant))
	require.NoError(t, env.repo.SetDefaultVariant(ctx, entity.ID, variant.ID))
	entity.DefaultVariantID = variant.ID
	return entity
}

func TestControllerLookupHitServesEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)
	env.seedEntity(t, KindMovie, "dune-2021", "Dune")

	res, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	require.NoError(t, err)
	require.Nil(t, res.Job)

	var view EntityView
	require.NoError(t, json.Unmarshal(res.Payload, &view))
	assert.Equal(t, "Dune", view.Title)
	require.NotNil(t, view.Description)
	assert.Equal(t, TagDefault, view.Description.ContextTag)
	assert.Nil(t, view.Bio)

	n, err := env.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a hit must not enqueue anything")
}

func TestControllerPersonViewUsesBioField(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)
	env.seedEntity(t, KindPerson, "denis-villeneuve", "Denis Villeneuve")

	res, err := env.ctrl.Lookup(ctx, KindPerson, "denis-villeneuve", "", "")
	require.NoError(t, err)

	var view EntityView
	require.NoError(t, json.Unmarshal(res.Payload, &view))
	require.NotNil(t, view.Bio)
	assert.Nil(t, view.Description)
}

func TestControllerLookupServesFromCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)
	entity := env.seedEntity(t, KindMovie, "dune-2021", "Dune")

	_, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	require.NoError(t, err)

	// Mutate the row behind the cache's back; the cached payload wins until
	// invalidation or TTL.
	env.repo.mu.Lock()
	env.repo.entities[entity.ID].Title = "Renamed"
	env.repo.mu.Unlock()

	res, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	require.NoError(t, err)

	var view EntityView
	require.NoError(t, json.Unmarshal(res.Payload, &view))
	assert.Equal(t, "Dune", view.Title)
}

func TestControllerLookupMissEnqueuesJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)

	res, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, StatusPending, res.Job.Status)
	assert.Equal(t, "dune-2021", res.Job.RequestedSlug)

	n, err := env.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestControllerLookupMissDeduplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)

	first, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	require.NoError(t, err)
	second, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	require.NoError(t, err)

	require.NotNil(t, first.Job)
	require.NotNil(t, second.Job)
	assert.Equal(t, first.Job.JobID, second.Job.JobID, "second lookup polls, never re-enqueues")

	n, err := env.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestControllerLocalizedMissGetsOwnJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)

	bare, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	require.NoError(t, err)
	localized, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "pl-PL", "")
	require.NoError(t, err)

	require.NotNil(t, bare.Job)
	require.NotNil(t, localized.Job)
	assert.NotEqual(t, bare.Job.JobID, localized.Job.JobID,
		"a localized request must not reuse the contextless job")
}

func TestControllerGenerationDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)
	env.flags[FlagGeneration] = false

	_, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	assert.ErrorIs(t, err, errGenerationDisabled)

	n, qerr := env.queue.Len(ctx)
	require.NoError(t, qerr)
	assert.Zero(t, n)
}

func TestControllerJobStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)

	res, err := env.ctrl.Lookup(ctx, KindMovie, "dune-2021", "", "")
	require.NoError(t, err)

	rec, err := env.ctrl.JobStatus(ctx, res.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.Job.JobID, rec.JobID)

	_, err = env.ctrl.JobStatus(ctx, "expired-or-never-existed")
	assert.ErrorIs(t, err, errNotFound)
}

func TestControllerRegenerate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)
	entity := env.seedEntity(t, KindMovie, "dune-2021", "Dune")

	rec, err := env.ctrl.Regenerate(ctx, KindMovie, "dune-2021", "", "", entity.DefaultVariantID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	job, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.Request.Regenerate)
	assert.Equal(t, entity.ID, job.Request.EntityID)
	assert.Equal(t, entity.DefaultVariantID, job.Request.BaselineID)
}

func TestControllerRegenerateMissingEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)

	_, err := env.ctrl.Regenerate(ctx, KindMovie, "gone", "", "", 0)
	assert.ErrorIs(t, err, errNotFound)
}

func TestControllerVariantCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newControllerEnv(t)
	entity := env.seedEntity(t, KindMovie, "dune-2021", "Dune")

	payload, err := env.ctrl.Variant(ctx, entity.DefaultVariantID)
	require.NoError(t, err)

	var v Variant
	require.NoError(t, json.Unmarshal(payload, &v))
	assert.Equal(t, entity.DefaultVariantID, v.ID)

	_, ok := env.store.Get(ctx, variantKey(entity.DefaultVariantID))
	assert.True(t, ok, "variant should be cached after first read")

	_, err = env.ctrl.Variant(ctx, 999)
	assert.ErrorIs(t, err, errNotFound)
}

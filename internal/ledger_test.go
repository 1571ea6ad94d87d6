package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerInitializeAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger(newMemoryStore())

	rec := l.Initialize(ctx, "job-1", KindMovie, "dune-2021", "", "")
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "dune-2021", rec.RequestedSlug)

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = l.Get(ctx, "no-such-job")
	assert.ErrorIs(t, err, errNotFound)
}

func TestLedgerFindActiveJobForSlug(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger(newMemoryStore())

	l.Initialize(ctx, "job-1", KindMovie, "dune-2021", "", "")

	rec := l.FindActiveJobForSlug(ctx, KindMovie, "dune-2021", "", "")
	require.NotNil(t, rec)
	assert.Equal(t, "job-1", rec.JobID)

	// A localized lookup must not be satisfied by the contextless job.
	assert.Nil(t, l.FindActiveJobForSlug(ctx, KindMovie, "dune-2021", "en-US", ""))
	assert.Nil(t, l.FindActiveJobForSlug(ctx, KindMovie, "dune-2021", "", "MODERN"))
	assert.Nil(t, l.FindActiveJobForSlug(ctx, KindPerson, "dune-2021", "", ""))
}

func TestLedgerLocalizedJobInvisibleToContextless(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger(newMemoryStore())

	l.Initialize(ctx, "job-1", KindMovie, "dune-2021", "en-US", "MODERN")

	rec := l.FindActiveJobForSlug(ctx, KindMovie, "dune-2021", "en-US", "MODERN")
	require.NotNil(t, rec)
	assert.Equal(t, "job-1", rec.JobID)

	assert.Nil(t, l.FindActiveJobForSlug(ctx, KindMovie, "dune-2021", "", ""))
}

func TestLedgerMarkDoneClearsIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger(newMemoryStore())

	l.Initialize(ctx, "job-1", KindMovie, "dune", "", "")
	l.MarkDone(ctx, "job-1",
		&Entity{ID: 7, Kind: KindMovie, Slug: "dune-2021"},
		&Variant{ID: 3, Locale: "en-US", ContextTag: TagDefault})

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, int64(7), got.EntityID)
	assert.Equal(t, int64(3), got.DescriptionID)
	assert.Zero(t, got.BioID)
	assert.Equal(t, "dune-2021", got.Slug)
	assert.Equal(t, "dune", got.RequestedSlug)

	// Done jobs are no longer discoverable through the slug index.
	assert.Nil(t, l.FindActiveJobForSlug(ctx, KindMovie, "dune", "", ""))
}

func TestLedgerMarkDoneDeletesContextlessIndexEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore()
	l := NewLedger(store)

	// Completion moves the record's locale and context tag to the created
	// variant's. The index entries written at Initialize are keyed by the
	// requested tuple and must come out of the store anyway, not linger
	// until the TTL.
	l.Initialize(ctx, "job-1", KindMovie, "dune", "", "")
	l.MarkDone(ctx, "job-1",
		&Entity{ID: 7, Kind: KindMovie, Slug: "dune-2021"},
		&Variant{ID: 3, Locale: "en-US", ContextTag: TagDefault})

	_, ok := store.Get(ctx, slugKey(_indexPrefix, KindMovie, "dune", "", ""))
	assert.False(t, ok, "qualified index entry must be deleted on completion")
	_, ok = store.Get(ctx, bareSlugKey(_indexPrefix, KindMovie, "dune"))
	assert.False(t, ok, "bare index entry must be deleted on completion")
}

func TestLedgerPersonVariantLandsInBioField(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger(newMemoryStore())

	l.Initialize(ctx, "job-1", KindPerson, "denis-villeneuve", "", "")
	l.MarkDone(ctx, "job-1",
		&Entity{ID: 1, Kind: KindPerson, Slug: "denis-villeneuve"},
		&Variant{ID: 5, Locale: "en-US", ContextTag: TagDefault})

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.BioID)
	assert.Zero(t, got.DescriptionID)
}

func TestLedgerTerminalRecordsAreImmutable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger(newMemoryStore())

	l.Initialize(ctx, "job-1", KindMovie, "dune-2021", "", "")
	l.MarkFailed(ctx, "job-1", &JobError{Type: ErrTypeAIAPI, Message: "boom"})

	l.MarkDone(ctx, "job-1", &Entity{ID: 1, Kind: KindMovie, Slug: "dune-2021"}, nil)

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, ErrTypeAIAPI, got.Error.Type)
}

func TestLedgerSelfHealsDanglingIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore()
	l := NewLedger(store)

	// An index entry pointing at a record that already expired must not
	// block new generation; the lookup drops it on the way through.
	key := slugKey(_indexPrefix, KindMovie, "dune-2021", "", "")
	store.Set(ctx, key, []byte("gone-job"), time.Minute)

	assert.Nil(t, l.FindActiveJobForSlug(ctx, KindMovie, "dune-2021", "", ""))
	_, ok := store.Get(ctx, key)
	assert.False(t, ok, "dangling pointer should have been deleted")
}

func TestLedgerSelfHealsLegacyBareIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore()
	l := NewLedger(store)

	// Same healing through the bare fallback key.
	key := bareSlugKey(_indexPrefix, KindMovie, "dune-2021")
	store.Set(ctx, key, []byte("gone-job"), time.Minute)

	assert.Nil(t, l.FindActiveJobForSlug(ctx, KindMovie, "dune-2021", "", ""))
	_, ok := store.Get(ctx, key)
	assert.False(t, ok)
}

func TestLedgerUpdateOfExpiredJobIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger(newMemoryStore())

	l.MarkDone(ctx, "never-existed", &Entity{ID: 1, Kind: KindMovie, Slug: "x"}, nil)

	_, err := l.Get(ctx, "never-existed")
	assert.ErrorIs(t, err, errNotFound)
}

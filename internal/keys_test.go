package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugKeyQualification(t *testing.T) {
	t.Parallel()

	// Absent segments render as placeholders, so a contextless tuple can
	// never alias a localized one.
	assert.Equal(t, "gs:movie:dune-2021:-:-", slugKey(_indexPrefix, KindMovie, "dune-2021", "", ""))
	assert.Equal(t, "gs:movie:dune-2021:en-us:-", slugKey(_indexPrefix, KindMovie, "dune-2021", "en-US", ""))
	assert.Equal(t, "gs:movie:dune-2021:en-us:modern", slugKey(_indexPrefix, KindMovie, "dune-2021", "en-US", "MODERN"))
	assert.Equal(t, "gs:movie:dune-2021:-:modern", slugKey(_indexPrefix, KindMovie, "dune-2021", "", "MODERN"))
}

func TestSlugKeyHostileSegments(t *testing.T) {
	t.Parallel()

	// A slug containing the delimiter must not collide with a different
	// tuple's key.
	withColon := slugKey(_indexPrefix, KindMovie, "a:b", "", "")
	plain := slugKey(_indexPrefix, KindMovie, "a", "b", "")
	assert.NotEqual(t, plain, withColon)
}

func TestKeyCandidatesSymmetry(t *testing.T) {
	t.Parallel()

	// Contextless lookups consult the qualified key first, then the bare
	// legacy key.
	bare := keyCandidates(_indexPrefix, KindMovie, "dune-2021", "", "")
	assert.Equal(t, []string{
		"gs:movie:dune-2021:-:-",
		"gs:movie:dune-2021",
	}, bare)

	// A localized lookup never falls back to the bare key; a legacy
	// contextless job must not satisfy it.
	localized := keyCandidates(_indexPrefix, KindMovie, "dune-2021", "en-US", "")
	assert.Equal(t, []string{"gs:movie:dune-2021:en-us:-"}, localized)

	tagged := keyCandidates(_indexPrefix, KindMovie, "dune-2021", "", "MODERN")
	assert.Equal(t, []string{"gs:movie:dune-2021:-:modern"}, tagged)
}

func TestKeyCandidatesWriteReadAgree(t *testing.T) {
	t.Parallel()

	// The write and read paths use the same candidate function, so whatever
	// one writes the other finds, and nothing more.
	for _, tc := range []struct{ locale, tag string }{
		{"", ""},
		{"en-US", ""},
		{"", "MODERN"},
		{"pl-PL", "CRITICAL"},
	} {
		written := keyCandidates(_indexPrefix, KindPerson, "denis-villeneuve", tc.locale, tc.tag)
		read := keyCandidates(_indexPrefix, KindPerson, "denis-villeneuve", tc.locale, tc.tag)
		assert.Equal(t, written, read)
	}
}

func TestLockKeysDistinct(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t,
		creationLockKey(KindMovie, "dune-2021"),
		promotionLockKey(KindMovie, 1))
	assert.NotEqual(t,
		creationLockKey(KindMovie, "dune-2021"),
		creationLockKey(KindTvSeries, "dune-2021"))
}

package internal

import (
	"strconv"
	"strings"
)

// Cache key prefixes. Jobs, the slug index, slots and locks all live in the
// same store, so every family gets its own namespace.
const (
	_jobPrefix       = "gj"  // job records, keyed by job ID
	_indexPrefix     = "gs"  // slug → active job ID index
	_slotPrefix      = "gk"  // generation slot claims
	_lockPrefix      = "gl"  // lease locks
	_entityPrefix    = "ge"  // read-path entity responses
	_variantPrefix   = "gv"  // read-path variant responses
	_emptySegment    = "-"   // placeholder for an absent locale or context tag
	_keyDelimiter    = ":"
	_delimReplacment = "_"
)

// cleanSegment lower-cases a key component and strips the delimiter from it
// so a hostile slug like "a:b" can't collide with a different tuple.
func cleanSegment(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), _keyDelimiter, _delimReplacment)
}

// slugKey builds the fully-qualified key for an (entity kind, slug, locale,
// context tag) tuple. Absent locale/tag segments are rendered as a
// placeholder so that "no locale" and "locale en" can never alias.
func slugKey(prefix string, kind Kind, slug, locale, contextTag string) string {
	l, t := _emptySegment, _emptySegment
	if locale != "" {
		l = cleanSegment(locale)
	}
	if contextTag != "" {
		t = cleanSegment(contextTag)
	}
	return strings.Join([]string{prefix, cleanSegment(string(kind)), cleanSegment(slug), l, t}, _keyDelimiter)
}

// bareSlugKey is the legacy key shape from before locale and context tags
// existed. It only ever identifies a contextless job.
func bareSlugKey(prefix string, kind Kind, slug string) string {
	return strings.Join([]string{prefix, cleanSegment(string(kind)), cleanSegment(slug)}, _keyDelimiter)
}

// keyCandidates returns the keys to consult for a lookup, fully-qualified
// key first. The bare fallback is included only when both locale and context
// tag are absent; the write path applies the exact same rule, so a
// contextless legacy job can never satisfy a locale-specific lookup and a
// localized job can never satisfy a contextless one.
func keyCandidates(prefix string, kind Kind, slug, locale, contextTag string) []string {
	keys := []string{slugKey(prefix, kind, slug, locale, contextTag)}
	if locale == "" && contextTag == "" {
		keys = append(keys, bareSlugKey(prefix, kind, slug))
	}
	return keys
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func jobKey(jobID string) string {
	return _jobPrefix + _keyDelimiter + jobID
}

func entityKey(kind Kind, slug string) string {
	return bareSlugKey(_entityPrefix, kind, slug)
}

func variantKey(variantID int64) string {
	return _variantPrefix + _keyDelimiter + itoa(variantID)
}

func creationLockKey(kind Kind, slug string) string {
	return bareSlugKey(_lockPrefix+_keyDelimiter+"create", kind, slug)
}

func promotionLockKey(kind Kind, entityID int64) string {
	return strings.Join([]string{_lockPrefix, "promote", cleanSegment(string(kind)), itoa(entityID)}, _keyDelimiter)
}

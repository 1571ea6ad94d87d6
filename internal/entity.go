package internal

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies which entity family a slug belongs to. The generation job
// logic is structurally identical for all four; the differences live in
// kindPolicy.
type Kind string

// The supported entity kinds.
const (
	KindMovie    Kind = "movie"
	KindPerson   Kind = "person"
	KindTvSeries Kind = "tv-series"
	KindTvShow   Kind = "tv-show"
)

// Context tags distinguishing multiple content variants of the same entity
// and locale. New variants claim the first unused tag in _tagOrder; once
// those run out we fall back to DEFAULT_2, DEFAULT_3, and so on.
const (
	TagDefault  = "DEFAULT"
	TagModern   = "MODERN"
	TagCritical = "CRITICAL"
	TagHumorous = "HUMOROUS"
)

var _tagOrder = []string{TagDefault, TagModern, TagCritical, TagHumorous}

// _defaultLocale is used when a request doesn't specify one.
var _defaultLocale = "en-US"

// Entity is a movie, person, TV series or TV show row. Slug is unique per
// kind. DefaultVariantID points at the canonical content variant, or is zero
// when no variant has been promoted yet.
type Entity struct {
	ID               int64     `json:"id"`
	Kind             Kind      `json:"kind"`
	Slug             string    `json:"slug"`
	Title            string    `json:"title"`
	Year             int       `json:"year,omitempty"`
	Director         string    `json:"director,omitempty"`
	DefaultVariantID int64     `json:"default_variant_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Variant is one generated description or bio. At most one non-archived row
// may exist per (entity, locale, context tag); regeneration archives the old
// row and inserts a successor with the next version number.
type Variant struct {
	ID         int64      `json:"id"`
	EntityID   int64      `json:"entity_id"`
	Locale     string     `json:"locale"`
	ContextTag string     `json:"context_tag"`
	Text       string     `json:"text"`
	Model      string     `json:"model,omitempty"`
	Version    int        `json:"version"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Archived reports whether the variant has been superseded.
func (v *Variant) Archived() bool {
	return v.ArchivedAt != nil
}

// kindPolicy captures the per-kind differences of the generation job: which
// wire field carries the variant ID, what the provider is asked for, and how
// slugs are derived. One engine, four policies, no inheritance.
type kindPolicy struct {
	kind          Kind
	defaultLocale string

	// variantField names the ledger field the variant ID is reported under.
	// People have bios; everything else has descriptions.
	variantField string
}

var _policies = map[Kind]kindPolicy{
	KindMovie:    {kind: KindMovie, defaultLocale: _defaultLocale, variantField: "description_id"},
	KindPerson:   {kind: KindPerson, defaultLocale: _defaultLocale, variantField: "bio_id"},
	KindTvSeries: {kind: KindTvSeries, defaultLocale: _defaultLocale, variantField: "description_id"},
	KindTvShow:   {kind: KindTvShow, defaultLocale: _defaultLocale, variantField: "description_id"},
}

// ParseKind validates a kind from the wire.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(s))
	if _, ok := _policies[k]; !ok {
		return "", fmt.Errorf("unrecognized entity kind %q", s)
	}
	return k, nil
}

// policyFor panics on an unknown kind; kinds are validated at the API edge.
func policyFor(kind Kind) kindPolicy {
	p, ok := _policies[kind]
	if !ok {
		panic(fmt.Sprintf("no policy for kind %q", kind))
	}
	return p
}

// resolveLocale normalizes a requested locale, defaulting when unspecified.
// Locales are stored in canonical ll-CC form ("en-us" → "en-US").
func (p kindPolicy) resolveLocale(locale string) string {
	if locale == "" {
		return p.defaultLocale
	}
	parts := strings.SplitN(locale, "-", 2)
	if len(parts) == 2 {
		return strings.ToLower(parts[0]) + "-" + strings.ToUpper(parts[1])
	}
	return strings.ToLower(locale)
}

// nextContextTag picks the tag for a brand-new variant: the first unused tag
// in preference order, then DEFAULT_2, DEFAULT_3, ... once all named tags
// are taken. Only non-archived variants in the same locale count as taken.
func nextContextTag(existing []*Variant, locale string) string {
	taken := map[string]bool{}
	for _, v := range existing {
		if v.Archived() || v.Locale != locale {
			continue
		}
		taken[v.ContextTag] = true
	}
	for _, tag := range _tagOrder {
		if !taken[tag] {
			return tag
		}
	}
	for i := 2; ; i++ {
		tag := fmt.Sprintf("%s_%d", TagDefault, i)
		if !taken[tag] {
			return tag
		}
	}
}

// slugify reduces a title to its URL-safe form.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true // Suppress a leading dash.
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// deriveSlug builds the base slug for a generated entity from its title and
// year. Deterministic so that two workers generating the same title compute
// the same slug and collide on the unique constraint instead of silently
// persisting duplicates. Collisions are disambiguated by the job with the
// director and then a counter.
func deriveSlug(title string, year int) string {
	slug := slugify(title)
	if year > 0 {
		slug = fmt.Sprintf("%s-%d", slug, year)
	}
	return slug
}

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Reference is verified metadata about the subject of a generation request,
// fed to the provider as grounding and to the validator as reference data.
type Reference struct {
	Title string
	Year  int
}

// Verifier looks a slug up against an external source of truth. A nil
// Reference with a nil error means the source had no opinion.
type Verifier interface {
	Verify(ctx context.Context, kind Kind, slug string) (*Reference, error)
}

// tmdbVerifier resolves slugs against the TMDb search API.
type tmdbVerifier struct {
	client *http.Client
}

var _ Verifier = (*tmdbVerifier)(nil)

// NewTMDBVerifier creates a verifier. The client is host-scoped, rate
// limited and carries the API key on every request.
func NewTMDBVerifier(apiKey string) Verifier {
	return &tmdbVerifier{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: throttledTransport{
				Limiter: rate.NewLimiter(rate.Every(time.Second/4), 1),
				RoundTripper: scopedTransport{
					host: "api.themoviedb.org",
					RoundTripper: paramTransport{
						key:          "api_key",
						value:        apiKey,
						RoundTripper: http.DefaultTransport,
					},
				},
			},
		},
	}
}

func (v *tmdbVerifier) Verify(ctx context.Context, kind Kind, slug string) (*Reference, error) {
	endpoint := "/3/search/movie"
	switch kind {
	case KindPerson:
		endpoint = "/3/search/person"
	case KindTvSeries, KindTvShow:
		endpoint = "/3/search/tv"
	}

	query := strings.ReplaceAll(slug, "-", " ")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"?query="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying tmdb: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tmdb returned %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Title        string `json:"title"`
			Name         string `json:"name"`
			ReleaseDate  string `json:"release_date"`
			FirstAirDate string `json:"first_air_date"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("parsing tmdb response: %w", err)
	}
	if len(body.Results) == 0 {
		return nil, nil
	}

	first := body.Results[0]
	ref := &Reference{Title: first.Title}
	if ref.Title == "" {
		ref.Title = first.Name
	}
	date := first.ReleaseDate
	if date == "" {
		date = first.FirstAirDate
	}
	if len(date) >= 4 {
		ref.Year, _ = strconv.Atoi(date[:4])
	}
	return ref, nil
}

// noVerifier skips verification when no TMDb key is configured.
type noVerifier struct{}

var _ Verifier = (*noVerifier)(nil)

func (noVerifier) Verify(context.Context, Kind, string) (*Reference, error) {
	return nil, nil
}

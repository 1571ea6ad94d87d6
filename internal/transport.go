package internal

import (
	"net/http"

	"golang.org/x/time/rate"
)

// throttledTransport rate limits outbound requests.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// scopedTransport restricts requests to a particular host, so redirects
// can't send credentials elsewhere.
type scopedTransport struct {
	host string
	http.RoundTripper
}

func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.host
	return t.RoundTripper.RoundTrip(r)
}

// paramTransport adds a query parameter to all requests. Best used with a
// scopedTransport.
type paramTransport struct {
	key   string
	value string
	http.RoundTripper
}

func (t paramTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	q := r.URL.Query()
	q.Set(t.key, t.value)
	r.URL.RawQuery = q.Encode()
	return t.RoundTripper.RoundTrip(r)
}

package ratelimit

import "net/http"

// Transport is an http.RoundTripper that consumes a limiter slot before each
// request goes out.
type Transport struct {
	limiter *Limiter
	next    http.RoundTripper
}

// NewTransport wraps next with limiter. A nil next uses
// http.DefaultTransport.
func NewTransport(limiter *Limiter, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{limiter: limiter, next: next}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

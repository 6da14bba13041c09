package fetch

import (
	"math/rand"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

const defaultUserAgent = "dealradar/1.0"

// userAgents is the pool drawn from when a retailer wants randomized
// browser identities.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
}

// TransportOpts configures the HTTP client shared by adapters.
// Adapters never look at these toggles themselves.
type TransportOpts struct {
	Timeout         time.Duration
	ProxyURLs       []string
	RandomUserAgent bool
}

// NewClient builds an http.Client applying per-retailer transport
// policy: bounded request timeout, round-robin proxy rotation, and
// optional User-Agent randomization.
func NewClient(opts TransportOpts) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if len(opts.ProxyURLs) > 0 {
		proxies := make([]*url.URL, 0, len(opts.ProxyURLs))
		for _, raw := range opts.ProxyURLs {
			if u, err := url.Parse(raw); err == nil {
				proxies = append(proxies, u)
			}
		}
		if len(proxies) > 0 {
			var next atomic.Uint64
			transport.Proxy = func(*http.Request) (*url.URL, error) {
				i := next.Add(1)
				return proxies[int(i)%len(proxies)], nil
			}
		}
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: &agentTransport{base: transport, random: opts.RandomUserAgent},
	}
}

// agentTransport stamps a User-Agent on every request that does not
// already carry one.
type agentTransport struct {
	base   http.RoundTripper
	random bool
}

func (t *agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		ua := defaultUserAgent
		if t.random {
			ua = userAgents[rand.Intn(len(userAgents))]
		}
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", ua)
	}
	return t.base.RoundTrip(req)
}

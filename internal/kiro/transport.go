package kiro

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// RequestTimeout bounds one upstream exchange end to end, including a full
// streamed response.
const RequestTimeout = 300 * time.Second

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. The connection cap mirrors the native client.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewHTTPClient returns the shared upstream HTTP client.
func NewHTTPClient(resolver *dnscache.Resolver) *http.Client {
	return &http.Client{
		Transport: NewTransport(resolver),
		Timeout:   RequestTimeout,
	}
}

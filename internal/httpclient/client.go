// Package httpclient builds the HTTP client used for transfers.
//
// Transfers can run for hours, so the client never sets http.Client.Timeout;
// only connection setup and response headers are bounded. When private
// networks are blocked (the `fetchq serve` default for remote submitters),
// redirects and every dialed address are checked so a public URL cannot
// bounce the fetcher onto loopback or LAN hosts.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/fetchq/errors"
)

// ErrBlockedDestination marks requests refused by the private-network guard.
var ErrBlockedDestination = errors.New("destination blocked")

// Options configures a Client. Zero values select the defaults noted per field.
type Options struct {
	HeaderTimeout  time.Duration // Default: 30s
	DialTimeout    time.Duration // Default: 30s
	MaxRedirects   int           // Default: 10
	BlockPrivateIP bool
	UserAgent      string
}

// Client is an *http.Client with transfer-friendly timeouts and an optional
// private-network guard.
type Client struct {
	*http.Client
	opts Options
}

// New creates a transfer client
func New(opts Options) *Client {
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}

	c := &Client{opts: opts}

	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.HeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if opts.BlockPrivateIP {
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if IsPrivateAddr(ip) {
					return nil, errors.Mark(errors.Newf("private address %s refused for %s", ip, host), ErrBlockedDestination)
				}
			}
			// Dial the address we checked, not a second resolution of the name
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		}
	}

	c.Client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
			}
			if err := c.CheckURL(req.URL); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
			return nil
		},
	}

	return c
}

// NewRequest builds a GET request carrying the configured User-Agent
func (c *Client) NewRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return req, nil
}

// CheckURL applies scheme and destination rules to u before a request is made.
func (c *Client) CheckURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed (allowed: http, https)", u.Scheme)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}
	if !c.opts.BlockPrivateIP {
		return nil
	}

	// http://public.example@127.0.0.1/ style confusion
	if u.User != nil {
		return errors.Mark(errors.New("URL userinfo is not allowed"), ErrBlockedDestination)
	}
	if isLocalhost(hostname) {
		return errors.Mark(errors.New("localhost access blocked"), ErrBlockedDestination)
	}
	if ip, err := netip.ParseAddr(hostname); err == nil && IsPrivateAddr(ip) {
		return errors.Mark(errors.Newf("private address %s blocked", ip), ErrBlockedDestination)
	}
	return nil
}

// IsPrivateAddr reports whether ip is loopback, private, link-local,
// multicast, unspecified or otherwise not publicly routable.
func IsPrivateAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.Is4() {
		b := ip.As4()
		// 0.0.0.0/8 and 240.0.0.0/4 (reserved)
		return b[0] == 0 || b[0] >= 240
	}
	return false
}

func isLocalhost(hostname string) bool {
	h := strings.ToLower(strings.TrimSuffix(hostname, "."))
	return h == "localhost" || strings.HasSuffix(h, ".localhost")
}

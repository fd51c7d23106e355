// Package httpclient provides an outbound HTTP client that refuses to reach
// loopback, private and other special-use addresses. Webhook targets come
// from configuration, so every dial and redirect is checked.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/slotpulse/errors"
)

const defaultMaxRedirects = 5

// blockedPrefixes are never dialed unless AllowPrivate is set.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// Options tunes a Client.
type Options struct {
	Timeout      time.Duration
	MaxRedirects int // 0 means defaultMaxRedirects
	// AllowPrivate disables the address checks, for tests against
	// httptest servers and for webhooks inside a private network.
	AllowPrivate bool
}

// Client is an http.Client whose requests are checked before they leave.
type Client struct {
	http         *http.Client
	allowPrivate bool
	maxRedirects int
}

// New creates a guarded client.
func New(opts Options) *Client {
	c := &Client{
		allowPrivate: opts.AllowPrivate,
		maxRedirects: opts.MaxRedirects,
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = defaultMaxRedirects
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !c.allowPrivate {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve %s", host)
			}
			for _, ip := range ips {
				if Blocked(ip) {
					return nil, errors.Newf("address %s of %s is blocked", ip, host)
				}
			}
			// Dial the checked address so a second lookup cannot rebind
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		}
	}

	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.maxRedirects {
				return errors.Newf("stopped after %d redirects", c.maxRedirects)
			}
			return errors.Wrap(c.Check(req.URL), "redirect blocked")
		},
	}
	return c
}

// Blocked reports whether ip is loopback, private or otherwise special-use.
func Blocked(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Check validates a target URL: http(s) only, no userinfo, and with the
// address checks on, no localhost names or blocked literal addresses.
func (c *Client) Check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Wrapf(errors.ErrValidation, "scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.Wrap(errors.ErrValidation, "URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.Wrap(errors.ErrValidation, "URL has no host")
	}
	if c.allowPrivate {
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return errors.Wrapf(errors.ErrValidation, "host %s is blocked", host)
	}
	if ip, err := netip.ParseAddr(host); err == nil && Blocked(ip) {
		return errors.Wrapf(errors.ErrValidation, "address %s is blocked", host)
	}
	return nil
}

// Do checks the request URL, then sends it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.Check(req.URL); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

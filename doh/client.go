// Package doh sends PTR queries to a DNS-over-HTTPS resolver (RFC 8484).
package doh

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	rdns "github.com/back2basic/dohrdns/dns"
)

const (
	mimeType       = "application/dns-message"
	maxMessageSize = 65535
)

// Client is a single-endpoint DoH transport for reverse lookups.
type Client struct {
	endpoint string
	method   string
	timeout  time.Duration
	http     *http.Client
	log      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout bounds each query; zero leaves it to the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMethod selects POST (default) or GET.
func WithMethod(method string) Option {
	return func(c *Client) {
		c.method = strings.ToUpper(method)
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

func New(endpoint string, opts ...Option) (*Client, error) {
	if !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("invalid resolver url: %s", endpoint)
	}

	c := &Client{
		endpoint: endpoint,
		method:   http.MethodPost,
		timeout:  30 * time.Second,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.method != http.MethodPost && c.method != http.MethodGet {
		return nil, fmt.Errorf("unsupported DoH method %q", c.method)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http2.Transport{
				DisableCompression: true,
			},
		}
	}
	return c, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Query resolves the PTR record of a dotted-quad IPv4 address. Network
// errors, HTTP 5xx/429 and SERVFAIL/REFUSED are transient; NXDOMAIN or an
// answer without PTR is rdns.ErrNoRecord.
func (c *Client) Query(ctx context.Context, address string) (string, error) {
	arpa, err := dns.ReverseAddr(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", rdns.ErrInvalidAddress, err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	// RFC 8484 4.1: ID 0 keeps GET responses cacheable
	msg.Id = 0

	attemptCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := c.exchange(attemptCtx, msg)
	if err != nil {
		if ctx.Err() != nil {
			// canceled by the caller, not retryable
			return "", ctx.Err()
		}
		return "", err
	}

	c.log.Debug("doh exchange",
		zap.String("endpoint", c.endpoint),
		zap.String("question", arpa),
		zap.String("rcode", dns.RcodeToString[reply.Rcode]),
		zap.Duration("took", time.Since(start)),
	)

	return ptrFromReply(reply)
}

func (c *Client) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	body, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, rdns.Transient(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		err := fmt.Errorf("resolver returned HTTP %d", res.StatusCode)
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return nil, rdns.Transient(err)
		}
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxMessageSize+1))
	if err != nil {
		return nil, rdns.Transient(err)
	}
	switch {
	case len(raw) == 0:
		return nil, fmt.Errorf("%w: empty body", rdns.ErrMalformedResponse)
	case len(raw) > maxMessageSize:
		return nil, fmt.Errorf("%w: body exceeds %d bytes", rdns.ErrMalformedResponse, maxMessageSize)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", rdns.ErrMalformedResponse, err)
	}
	if !reply.Response || reply.Id != msg.Id {
		return nil, fmt.Errorf("%w: reply does not match query", rdns.ErrMalformedResponse)
	}
	return reply, nil
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	if c.method == http.MethodGet {
		u := c.endpoint + "?dns=" + base64.RawURLEncoding.EncodeToString(body)
		if strings.Contains(c.endpoint, "?") {
			u = c.endpoint + "&dns=" + base64.RawURLEncoding.EncodeToString(body)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", mimeType)
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", mimeType)
	return req, nil
}

var errNoPTR = errors.New("answer has no PTR record")

func ptrFromReply(reply *dns.Msg) (string, error) {
	switch reply.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return "", fmt.Errorf("%w: NXDOMAIN", rdns.ErrNoRecord)
	case dns.RcodeServerFailure, dns.RcodeRefused:
		return "", rdns.Transient(fmt.Errorf("resolver returned %s", dns.RcodeToString[reply.Rcode]))
	default:
		return "", fmt.Errorf("resolver returned %s", dns.RcodeToString[reply.Rcode])
	}

	for _, rr := range reply.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", fmt.Errorf("%w: %w", rdns.ErrNoRecord, errNoPTR)
}

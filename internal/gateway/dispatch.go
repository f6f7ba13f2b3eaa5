package gateway

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"zengateway/internal/routing"
)

// scrubbed headers are never forwarded upstream. host and content-length are
// recomputed by the transport; caller credentials must not leak to a
// provider.
var scrubbed = []string{
	"Host",
	"Content-Length",
	"Authorization",
	"X-Api-Key",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// acceptEncoding lists the encodings decodedBody understands.
const acceptEncoding = "gzip, deflate, br"

// allowedResponseHeaders are the only upstream headers copied to the caller.
var allowedResponseHeaders = []string{"Content-Type", "Cache-Control"}

// Dispatcher sends the one outbound request of a call. It never retries.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher wraps client, which should come from httpclient.NewHTTPClient.
func NewDispatcher(client *http.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch posts body to the selected provider.
func (d *Dispatcher) Dispatch(ctx context.Context, sel *routing.Selection, inbound http.Header, body []byte) (*http.Response, error) {
	url := sel.Adapter.ModifyURL(sel.Provider.API)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request to %s: %w", sel.ProviderID, err)
	}
	req.Header = OutboundHeaders(inbound, sel, body)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling provider %s: %w", sel.ProviderID, err)
	}
	return resp, nil
}

// OutboundHeaders clones the caller's headers, scrubs them, then applies the
// provider format's headers and the provider's header mappings.
func OutboundHeaders(inbound http.Header, sel *routing.Selection, body []byte) http.Header {
	h := inbound.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range scrubbed {
		h.Del(name)
	}
	h.Set("Content-Type", "application/json")
	h.Set("Accept-Encoding", acceptEncoding)

	sel.Adapter.ModifyHeaders(h, body, sel.Provider.APIKey)

	for outbound, source := range sel.Provider.HeaderMappings {
		if v := inbound.Get(source); v != "" {
			h.Set(outbound, v)
		}
	}
	return h
}

// copyResponseHeaders copies the allow-listed headers only.
func copyResponseHeaders(dst, src http.Header) {
	for _, name := range allowedResponseHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

// decodedBody wraps resp.Body in a decoder for its Content-Encoding. The
// encoding header is not forwarded, so the caller always gets plain bytes.
func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "br":
		return readCloser{brotli.NewReader(resp.Body), resp.Body}, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		return readCloser{gz, resp.Body}, nil
	case "deflate":
		r, err := deflateReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening deflate body: %w", err)
		}
		return readCloser{r, resp.Body}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// deflateReader decodes HTTP deflate, which is zlib-wrapped (RFC 9110). Some
// servers send raw DEFLATE instead, so a body without a zlib header is read
// as raw.
func deflateReader(body io.Reader) (io.Reader, error) {
	br := bufio.NewReader(body)
	if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

type readCloser struct {
	io.Reader
	body io.Closer
}

func (r readCloser) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return r.body.Close()
}

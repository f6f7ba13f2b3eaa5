// Package gateway runs one metered call end to end: resolve the model, pick
// a provider, authenticate and gate the caller, convert and dispatch the
// request, then relay the response while settling its usage.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"zengateway/internal/auth"
	"zengateway/internal/billing"
	"zengateway/internal/catalog"
	"zengateway/internal/core"
	"zengateway/internal/format"
	"zengateway/internal/observability"
	"zengateway/internal/requestlog"
	"zengateway/internal/routing"
)

// readSize is the upstream read buffer for streamed responses.
const readSize = 32 * 1024

// Call is one inbound request.
type Call struct {
	Format   format.Name
	Body     []byte
	Header   http.Header
	ClientIP string
}

// The collaborators below are satisfied by catalog.Catalog,
// routing.Selector, auth.Authenticator, billing.Settler and
// billing.ReloadTrigger.

type ModelResolver interface {
	Resolve(modelID string) (*catalog.Model, error)
}

type ProviderSelector interface {
	Select(model *catalog.Model, ip string) (*routing.Selection, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, h http.Header, model *catalog.Model, providerID string) (*auth.Info, error)
}

type Settler interface {
	Settle(ctx context.Context, info *auth.Info, sel *routing.Selection, model *catalog.Model, u format.Usage) (int64, error)
}

type ReloadTrigger interface {
	Maybe(ctx context.Context, info *auth.Info) (bool, error)
}

// Options wires a Gateway.
type Options struct {
	Catalog    ModelResolver
	Selector   ProviderSelector
	Auth       Authenticator
	Settler    Settler
	Reload     ReloadTrigger
	Formats    *format.Registry
	Dispatcher *Dispatcher
}

// Gateway handles calls. It keeps no per-call state; every shared write
// goes through the ledger's atomic operations.
type Gateway struct {
	catalog    ModelResolver
	selector   ProviderSelector
	auth       Authenticator
	guard      billing.Guard
	settler    Settler
	reload     ReloadTrigger
	formats    *format.Registry
	dispatcher *Dispatcher
	now        func() time.Time
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	return &Gateway{
		catalog:    opts.Catalog,
		selector:   opts.Selector,
		auth:       opts.Auth,
		settler:    opts.Settler,
		reload:     opts.Reload,
		formats:    opts.Formats,
		dispatcher: opts.Dispatcher,
		now:        time.Now,
	}
}

// call carries what Handle learned about one request.
type call struct {
	Call
	model  *catalog.Model
	sel    *routing.Selection
	info   *auth.Info
	stream bool
	log    *slog.Logger
}

// Handle runs the call and writes the response to w. Errors returned before
// anything was written are for the caller to render; once the status line
// is out, failures are logged and returned for the request log only.
func (g *Gateway) Handle(ctx context.Context, in Call, w http.ResponseWriter) error {
	c := &call{Call: in}
	entry := requestlog.FromContext(ctx)

	modelID := gjson.GetBytes(in.Body, "model")
	if !gjson.ValidBytes(in.Body) || modelID.Type != gjson.String {
		return errors.New("request body must be a JSON object with a string model")
	}
	c.stream = gjson.GetBytes(in.Body, "stream").Bool()
	if entry != nil {
		entry.Format = string(in.Format)
		entry.Model = modelID.String()
		entry.Stream = c.stream
	}

	caller, ok := g.formats.Lookup(in.Format)
	if !ok {
		return fmt.Errorf("caller format %q is not registered", in.Format)
	}

	var err error
	if c.model, err = g.catalog.Resolve(modelID.String()); err != nil {
		return err
	}
	if c.sel, err = g.selector.Select(c.model, in.ClientIP); err != nil {
		return err
	}
	if entry != nil {
		entry.Provider = c.sel.ProviderID
	}
	if c.info, err = g.auth.Authenticate(ctx, in.Header, c.model, c.sel.ProviderID); err != nil {
		return err
	}
	if c.info != nil && entry != nil {
		entry.WorkspaceID = c.info.WorkspaceID
		entry.KeyID = c.info.APIKeyID
	}
	if err := g.guard.Check(c.info, c.model, g.now().UTC()); err != nil {
		return err
	}
	if err := auth.CheckModelAccess(c.info); err != nil {
		return err
	}
	if c.info != nil {
		auth.ApplyBYOK(c.info, c.sel)
	}

	c.log = slog.With(
		"request_id", core.GetRequestID(ctx),
		"session", core.GetIdentity(ctx).Session,
		"client_request", core.GetIdentity(ctx).Request,
		"model", c.model.ID,
		"provider", c.sel.ProviderID,
	)
	if c.info != nil {
		c.log = c.log.With("workspace_id", c.info.WorkspaceID)
	}

	conv := format.NewConverter(c.sel.Adapter, caller)
	body, err := conv.ConvertRequest(in.Body, c.sel.UpstreamModel)
	if err != nil {
		return err
	}
	if body, err = c.sel.Adapter.ModifyBody(body); err != nil {
		return fmt.Errorf("modifying %s body: %w", c.sel.Adapter.Name(), err)
	}

	start := time.Now()
	resp, err := g.dispatcher.Dispatch(ctx, c.sel, in.Header, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	upstream, err := decodedBody(resp)
	if err != nil {
		return err
	}
	defer upstream.Close()

	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return g.relayFailure(c, resp, upstream, w)
	case c.stream:
		return g.stream(ctx, c, conv, resp, upstream, w, start)
	default:
		return g.complete(ctx, c, conv, resp, upstream, w, start)
	}
}

// relayFailure passes a non-2xx upstream response through unconverted.
func (g *Gateway) relayFailure(c *call, resp *http.Response, upstream io.Reader, w http.ResponseWriter) error {
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, upstream)
	g.observe(c, resp.StatusCode, n)
	c.log.Warn("upstream returned an error status", "status", resp.StatusCode)
	if err != nil {
		return fmt.Errorf("relaying upstream error body: %w", err)
	}
	return nil
}

// complete handles a non-streaming response. Usage is settled before the
// body is written.
func (g *Gateway) complete(ctx context.Context, c *call, conv *format.Converter, resp *http.Response, upstream io.Reader, w http.ResponseWriter, start time.Time) error {
	raw, err := io.ReadAll(upstream)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", c.sel.ProviderID, err)
	}
	g.recordTiming(ctx, c, time.Since(start), int64(len(raw)))

	parser := c.sel.Adapter.NewUsageParser()
	parser.ParseBody(raw)

	out, err := conv.ConvertResponse(raw)
	if err != nil {
		return err
	}

	if err := g.settle(ctx, c, parser.Retrieve()); err != nil {
		return err
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	g.observe(c, resp.StatusCode, int64(len(raw)))
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// stream relays a streamed response through a Pipeline. Each read waits for
// the previous write, so the upstream is never read faster than the caller
// drains. Usage is settled only once the upstream ends cleanly.
func (g *Gateway) stream(ctx context.Context, c *call, conv *format.Converter, resp *http.Response, upstream io.Reader, w http.ResponseWriter, start time.Time) error {
	var sc *format.StreamConverter
	if !conv.Passthrough() {
		sc = conv.NewStreamConverter()
	}
	p := NewPipeline(c.sel.Adapter.NewUsageParser(), sc)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	rc := http.NewResponseController(w)

	emit := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("writing to caller: %w", err)
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("flushing to caller: %w", err)
		}
		return nil
	}

	var total int64
	buf := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			c.log.Info("caller went away, skipping settlement", "error", err)
			return err
		}
		n, readErr := upstream.Read(buf)
		if n > 0 {
			if total == 0 {
				ttfb := time.Since(start)
				observability.UpstreamTTFB.WithLabelValues(c.sel.ProviderID).Observe(ttfb.Seconds())
				if entry := requestlog.FromContext(ctx); entry != nil {
					entry.TTFBMs = ttfb.Milliseconds()
				}
			}
			total += int64(n)
			if err := emit(p.Feed(buf[:n])); err != nil {
				c.log.Warn("stream aborted, skipping settlement", "error", err)
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			c.log.Error("upstream stream failed, skipping settlement",
				"error_type", core.ErrorTypeName(readErr),
				"error", readErr,
			)
			g.observe(c, resp.StatusCode, total)
			return fmt.Errorf("reading %s stream: %w", c.sel.ProviderID, readErr)
		}
	}

	if err := emit(p.Finish()); err != nil {
		c.log.Warn("stream aborted, skipping settlement", "error", err)
		return err
	}
	observability.ResponseSize.WithLabelValues(c.sel.ProviderID).Observe(float64(total))
	observability.ResponseBytes.WithLabelValues(c.sel.ProviderID).Add(float64(total))
	if entry := requestlog.FromContext(ctx); entry != nil {
		entry.ResponseBytes = total
	}
	g.observe(c, resp.StatusCode, total)

	if err := g.settle(ctx, c, p.Usage()); err != nil {
		c.log.Error("failed to settle streamed usage", "error", err)
		return err
	}
	return nil
}

// settle prices and records usage, then gives auto-reload a chance. A nil
// usage means the upstream never reported any and nothing is billed.
func (g *Gateway) settle(ctx context.Context, c *call, u *format.Usage) error {
	if u == nil {
		c.log.Warn("upstream reported no usage")
		return nil
	}
	cost, err := g.settler.Settle(ctx, c.info, c.sel, c.model, *u)
	if err != nil {
		return err
	}
	if entry := requestlog.FromContext(ctx); entry != nil {
		entry.InputTokens = u.InputTokens
		entry.OutputTokens = u.CompletionTotal()
		entry.Cost = cost
	}

	if c.info == nil || g.reload == nil {
		return nil
	}
	if _, err := g.reload.Maybe(ctx, c.info); err != nil {
		c.log.Warn("auto-reload failed", "error", err)
	}
	return nil
}

func (g *Gateway) recordTiming(ctx context.Context, c *call, ttfb time.Duration, n int64) {
	observability.UpstreamTTFB.WithLabelValues(c.sel.ProviderID).Observe(ttfb.Seconds())
	observability.ResponseSize.WithLabelValues(c.sel.ProviderID).Observe(float64(n))
	observability.ResponseBytes.WithLabelValues(c.sel.ProviderID).Add(float64(n))
	if entry := requestlog.FromContext(ctx); entry != nil {
		entry.TTFBMs = ttfb.Milliseconds()
		entry.ResponseBytes = n
	}
}

func (g *Gateway) observe(c *call, status int, n int64) {
	observability.Requests.WithLabelValues(string(c.Format), c.model.ID, c.sel.ProviderID, strconv.Itoa(status)).Inc()
	c.log.Info("call finished", "status", status, "stream", c.stream, "bytes", n)
}

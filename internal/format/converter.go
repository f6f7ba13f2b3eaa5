package format

import (
	"fmt"

	"github.com/tidwall/sjson"
)

// Converter translates between one provider format and one caller format.
type Converter struct {
	provider Adapter
	caller   Adapter
}

// NewConverter pairs a provider adapter with a caller adapter.
func NewConverter(provider, caller Adapter) *Converter {
	return &Converter{provider: provider, caller: caller}
}

// Passthrough reports whether both sides speak the same format, in which
// case bodies and stream bytes are forwarded without re-encoding.
func (c *Converter) Passthrough() bool {
	return c.provider.Name() == c.caller.Name()
}

// ConvertRequest turns the caller's body into the provider's body with the
// upstream model name substituted.
func (c *Converter) ConvertRequest(body []byte, upstreamModel string) ([]byte, error) {
	if c.Passthrough() {
		out, err := sjson.SetBytes(body, "model", upstreamModel)
		if err != nil {
			return nil, fmt.Errorf("substituting model: %w", err)
		}
		return out, nil
	}

	req, err := c.caller.DecodeRequest(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s request: %w", c.caller.Name(), err)
	}
	req.Model = upstreamModel
	out, err := c.provider.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", c.provider.Name(), err)
	}
	return out, nil
}

// ConvertResponse turns a provider's non-streaming body into the caller's.
func (c *Converter) ConvertResponse(body []byte) ([]byte, error) {
	if c.Passthrough() {
		return body, nil
	}
	resp, err := c.provider.DecodeResponse(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", c.provider.Name(), err)
	}
	out, err := c.caller.EncodeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding %s response: %w", c.caller.Name(), err)
	}
	return out, nil
}

// NewStreamConverter starts a stateful event converter for one stream.
func (c *Converter) NewStreamConverter() *StreamConverter {
	return &StreamConverter{
		decoder: c.provider.NewStreamDecoder(),
		encoder: c.caller.NewStreamEncoder(),
	}
}

// StreamConverter maps provider SSE events to caller SSE events.
type StreamConverter struct {
	decoder StreamDecoder
	encoder StreamEncoder
}

// Convert maps one provider event to zero or more caller events.
func (s *StreamConverter) Convert(event string) []string {
	var out []string
	for _, chunk := range s.decoder.Decode(event) {
		out = append(out, s.encoder.Encode(chunk)...)
	}
	return out
}

// Flush returns the caller events still owed at end of stream.
func (s *StreamConverter) Flush() []string {
	return s.encoder.Flush()
}

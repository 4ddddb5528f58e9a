// Package upstream forwards chat completion requests to OpenAI-compatible
// providers and harvests token usage from the responses. Request and response
// bodies cross the gateway verbatim; the only mutation applied is forcing the
// stream flags so that every streaming response carries a usage chunk.
package upstream

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/metergate/metergate/internal/store"
)

// DefaultTimeout bounds a single upstream exchange, generation included.
const DefaultTimeout = 120 * time.Second

const completionsPath = "/chat/completions"

// Response is a fully buffered upstream reply. Non-2xx replies are returned
// here too, body untouched, so provider error payloads reach the client
// exactly as the provider wrote them.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// StreamResponse exposes the upstream reply as a byte stream. The caller owns
// it and must call Close once done reading.
type StreamResponse struct {
	StatusCode  int
	ContentType string
	Body        io.Reader

	resp *fasthttp.Response
}

func (s *StreamResponse) Close() {
	if s.resp == nil {
		return
	}
	_ = s.resp.CloseBodyStream()
	fasthttp.ReleaseResponse(s.resp)
	s.resp = nil
}

// Forwarder issues requests against provider endpoints.
type Forwarder struct {
	client       *fasthttp.Client
	streamClient *fasthttp.Client
	timeout      time.Duration
	log          *slog.Logger
}

// NewForwarder builds a forwarder with the given per-request timeout.
// timeout ≤ 0 uses the default. For streaming requests the timeout bounds
// each read from the upstream rather than the whole exchange, so a healthy
// long generation is never cut off mid-stream.
func NewForwarder(timeout time.Duration, log *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		client: &fasthttp.Client{
			MaxIdleConnDuration: time.Minute,
			ReadBufferSize:      64 * 1024,
		},
		streamClient: &fasthttp.Client{
			StreamResponseBody:  true,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
			ReadBufferSize:      64 * 1024,
		},
		timeout: timeout,
		log:     log,
	}
}

// Complete sends a non-streaming completion request to src. The stream flag
// in the body is forced to false; everything else is forwarded as received.
func (f *Forwarder) Complete(src *store.Source, body []byte) (*Response, error) {
	forced, err := sjson.SetBytes(body, "stream", false)
	if err != nil {
		return nil, fmt.Errorf("upstream: force stream flag: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	f.prepare(req, src, forced)

	if err := f.client.DoTimeout(req, resp, f.timeout); err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", src.Name, err)
	}

	out := &Response{
		StatusCode:  resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
	}
	out.Body = append(out.Body, resp.Body()...)
	return out, nil
}

// Stream sends a streaming completion request to src. The stream flag is
// forced to true and stream_options.include_usage is injected so the final
// chunk reports token usage even when the client did not ask for it.
func (f *Forwarder) Stream(src *store.Source, body []byte) (*StreamResponse, error) {
	forced, err := sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("upstream: force stream flag: %w", err)
	}
	forced, err = sjson.SetBytes(forced, "stream_options.include_usage", true)
	if err != nil {
		return nil, fmt.Errorf("upstream: inject stream_options: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)

	f.prepare(req, src, forced)

	if err := f.streamClient.Do(req, resp); err != nil {
		fasthttp.ReleaseResponse(resp)
		return nil, fmt.Errorf("upstream: %s: %w", src.Name, err)
	}

	return &StreamResponse{
		StatusCode:  resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		Body:        resp.BodyStream(),
		resp:        resp,
	}, nil
}

func (f *Forwarder) prepare(req *fasthttp.Request, src *store.Source, body []byte) {
	req.SetRequestURI(strings.TrimSuffix(src.BaseURL, "/") + completionsPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+src.APIKey)
	req.SetBody(body)
}

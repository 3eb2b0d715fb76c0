// Package artifact talks to the external service issuing handshake artifacts.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/handshake-coordinator/internal/httpclient"
	"github.com/stacklok/handshake-coordinator/internal/otel"
)

// Status is the upstream view of a handshake
type Status string

const (
	// StatusPending means no artifact is ready yet
	StatusPending Status = "pending"
	// StatusReady means an artifact was issued
	StatusReady Status = "ready"
	// StatusConnected means the handshake completed
	StatusConnected Status = "connected"
)

// ErrMalformedResponse is returned when the response body cannot be interpreted
var ErrMalformedResponse = errors.New("malformed artifact response")

// Response is a decoded artifact response
type Response struct {
	Status    Status
	Payload   string
	ExpiresAt *time.Time
}

// Fetcher retrieves the current artifact of a resource
//
//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/stacklok/handshake-coordinator/internal/artifact Fetcher
type Fetcher interface {
	// Fetch returns the artifact of resourceID. Any error is a transient failure.
	Fetch(ctx context.Context, resourceID string) (*Response, error)
}

// HTTPFetcher fetches artifacts with GET {endpoint}/resource/{id}/artifact
type HTTPFetcher struct {
	client   httpclient.Client
	endpoint string
	tracer   trace.Tracer
}

// FetcherOption is a function that configures the fetcher
type FetcherOption func(*HTTPFetcher)

// WithTracer sets the tracer used to create fetch spans
func WithTracer(tracer trace.Tracer) FetcherOption {
	return func(f *HTTPFetcher) {
		f.tracer = tracer
	}
}

// NewHTTPFetcher creates a fetcher for the service at endpoint
func NewHTTPFetcher(client httpclient.Client, endpoint string, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the artifact URL of resourceID
func (f *HTTPFetcher) URL(resourceID string) string {
	return fmt.Sprintf("%s/resource/%s/artifact", f.endpoint, url.PathEscape(resourceID))
}

// Fetch implements Fetcher. HTTP 409 is reported as StatusConnected.
func (f *HTTPFetcher) Fetch(ctx context.Context, resourceID string) (*Response, error) {
	ctx, span := otel.StartSpan(ctx, f.tracer, "artifact.Fetch",
		trace.WithAttributes(otel.AttrResourceID.String(resourceID)),
	)
	defer span.End()

	body, err := f.client.Get(ctx, f.URL(resourceID))
	if err != nil {
		if code, ok := httpclient.StatusCode(err); ok {
			span.SetAttributes(otel.AttrHTTPStatusCode.Int(code))
			if code == http.StatusConflict {
				span.SetAttributes(otel.AttrArtifactStatus.String(string(StatusConnected)))
				return &Response{Status: StatusConnected}, nil
			}
		}
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to fetch artifact: %w", err)
	}

	resp, err := Parse(body)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrArtifactStatus.String(string(resp.Status)))
	return resp, nil
}

// Parse decodes an artifact response body.
// expiresAt may be an RFC 3339 string or a Unix timestamp in seconds or milliseconds.
func Parse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformedResponse)
	}

	resp := &Response{}
	switch s := Status(strings.ToLower(root.Get("status").String())); s {
	case StatusPending, StatusConnected:
		resp.Status = s
		return resp, nil
	case StatusReady:
		resp.Status = s
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, root.Get("status").String())
	}

	payload := root.Get("payload")
	if payload.Type != gjson.String || payload.String() == "" {
		return nil, fmt.Errorf("%w: ready without payload", ErrMalformedResponse)
	}
	resp.Payload = payload.String()

	expiresAt, err := parseTimestamp(root.Get("expiresAt"))
	if err != nil {
		return nil, err
	}
	resp.ExpiresAt = expiresAt
	return resp, nil
}

// millisThreshold separates Unix seconds from Unix milliseconds
const millisThreshold = 1e11

func parseTimestamp(v gjson.Result) (*time.Time, error) {
	switch v.Type {
	case gjson.Null:
		return nil, nil
	case gjson.String:
		ts, err := time.Parse(time.RFC3339, v.String())
		if err != nil {
			return nil, fmt.Errorf("%w: invalid expiresAt: %v", ErrMalformedResponse, err)
		}
		return &ts, nil
	case gjson.Number:
		n := v.Int()
		var ts time.Time
		if n > millisThreshold {
			ts = time.UnixMilli(n).UTC()
		} else {
			ts = time.Unix(n, 0).UTC()
		}
		return &ts, nil
	default:
		return nil, fmt.Errorf("%w: invalid expiresAt type", ErrMalformedResponse)
	}
}

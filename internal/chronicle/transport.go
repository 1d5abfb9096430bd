package chronicle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"chroniclesink/internal/auth"
	"chroniclesink/internal/delivery"
	"chroniclesink/internal/request"
)

// maxResponseBody bounds how much of a response is kept for logging.
const maxResponseBody = 64 << 10

// Transport POSTs request payloads to the ingest endpoint.
type Transport struct {
	client *http.Client
	url    string
	auth   auth.Authenticator
}

func NewTransport(client *http.Client, url string, a auth.Authenticator) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	if a == nil {
		a = auth.None{}
	}
	return &Transport{client: client, url: url, auth: a}
}

func (t *Transport) Send(ctx context.Context, req *request.Request) (delivery.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(req.Payload))
	if err != nil {
		return delivery.Response{}, err
	}
	httpReq.ContentLength = int64(len(req.Payload))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Content-Length", strconv.Itoa(len(req.Payload)))
	if req.ContentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", req.ContentEncoding)
	}
	if err := t.auth.Apply(httpReq); err != nil {
		return delivery.Response{}, fmt.Errorf("apply auth: %w", err)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return delivery.Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return delivery.Response{StatusCode: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return delivery.Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// RetryLogic classifies ingest responses: 2xx is delivered; 408, 429,
// 5xx and transport failures are retried; anything else is rejected.
type RetryLogic struct{}

func (RetryLogic) Classify(resp delivery.Response, err error) delivery.Outcome {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return delivery.Rejected
		}
		return delivery.Retriable
	}
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return delivery.Delivered
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return delivery.Retriable
	default:
		return delivery.Rejected
	}
}

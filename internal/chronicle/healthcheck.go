package chronicle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"chroniclesink/internal/auth"
)

var (
	ErrNotFound     = errors.New("chronicle: endpoint not found")
	ErrUnauthorized = errors.New("chronicle: invalid credentials")
)

// UnexpectedStatusError is a healthcheck response that is neither
// success nor a recognised failure.
type UnexpectedStatusError struct {
	StatusCode int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("chronicle: unexpected healthcheck status %d", e.StatusCode)
}

// Healthcheck lists the available log types to confirm the endpoint and
// credentials work.
func Healthcheck(client *http.Client, url string, a auth.Authenticator) func(ctx context.Context) error {
	if client == nil {
		client = http.DefaultClient
	}
	if a == nil {
		a = auth.None{}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if err := a.Apply(req); err != nil {
			return fmt.Errorf("apply auth: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return ErrUnauthorized
		default:
			return &UnexpectedStatusError{StatusCode: resp.StatusCode}
		}
	}
}

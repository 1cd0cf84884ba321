package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/transport"
)

// Route paths used by Client.
const (
	rpcPath    = "/api/v1/rpc"
	healthPath = "/api/v1/health"
)

// Client is the client side of the HTTP transport. It posts encoded
// requests to the RPC route of the server named by an "http://" endpoint.
type Client struct {
	http  *http.Client
	token string
}

var _ transport.Transport = (*Client)(nil)

// NewClient returns a client whose round trips are bounded by timeout.
// A non-empty token is sent as a bearer token.
func NewClient(timeout time.Duration, token string) *Client {
	return &Client{
		http:  &http.Client{Timeout: timeout},
		token: token,
	}
}

func baseURL(endpoint string) (string, error) {
	scheme, server, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if scheme != transport.SchemeHTTP {
		return "", fault.New(fault.IncompatibleArg,
			fmt.Sprintf("endpoint %q is not an HTTP endpoint", endpoint), "api.Client")
	}
	return "http://" + server, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fault.Wrap(err, fault.IncompatibleArg, "cannot build request", "api.Client")
	}
	if body != nil {
		req.Header.Set("Content-Type", rpcContentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fault.Wrap(err, fault.Timeout, "no reply from "+url, "api.Client")
		}
		return nil, fault.Wrap(err, fault.CommFailure, "cannot reach "+url, "api.Client")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(err, fault.CommFailure, "cannot read reply from "+url, "api.Client")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.CommFailure,
			fmt.Sprintf("%s %s: %s", method, url, resp.Status), "api.Client")
	}
	return data, nil
}

// Connect checks the health route of the endpoint.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	base, err := baseURL(endpoint)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodGet, base+healthPath, nil)
	return err
}

// Send posts payload and returns the encoded reply.
func (c *Client) Send(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	base, err := baseURL(endpoint)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, base+rpcPath, payload)
}

// SendAsync posts payload on its own goroutine. The request outlives ctx
// cancellation; the client timeout still bounds it.
func (c *Client) SendAsync(ctx context.Context, endpoint string, payload []byte) (*transport.Call, error) {
	base, err := baseURL(endpoint)
	if err != nil {
		return nil, err
	}
	call := transport.NewCall(uuid.NewString())
	body := append([]byte(nil), payload...)
	go func() {
		call.Complete(c.do(context.WithoutCancel(ctx), http.MethodPost, base+rpcPath, body))
	}()
	return call, nil
}

// Disconnect is a no-op; connections are pooled per client.
func (c *Client) Disconnect(string) error { return nil }

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

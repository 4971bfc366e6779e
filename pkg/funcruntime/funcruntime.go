// Package funcruntime is the client half of the control-plane protocol: a
// small SDK a local function process uses to poll for invocations and report
// results. The tool's own tests use it to stand in for real functions.
package funcruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const apiVersion = "2018-06-01"

// Handler processes one invocation payload and returns the response payload
// or an error reported back to the invoker.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

type Client struct {
	baseURL string
	http    *http.Client
}

// New reads the control-plane address from AWS_LAMBDA_RUNTIME_API, the same
// variable the production runtime uses.
func New() (*Client, error) {
	api, ok := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	if !ok || api == "" {
		return nil, errors.New("AWS_LAMBDA_RUNTIME_API is not set")
	}
	return NewWithAddress(api), nil
}

// NewWithAddress builds a client against an explicit host:port/function
// address.
func NewWithAddress(api string) *Client {
	if !strings.HasPrefix(api, "http://") && !strings.HasPrefix(api, "https://") {
		api = "http://" + api
	}
	return &Client{
		baseURL: strings.TrimSuffix(api, "/") + "/" + apiVersion + "/runtime",
		// next-invocation polls block indefinitely, so no client timeout
		http: &http.Client{},
	}
}

// Run polls for invocations and dispatches them to the handler until ctx is
// cancelled or the control plane goes away.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	for {
		id, payload, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		resp, err := handler(ctx, payload)
		if err != nil {
			if submitErr := c.submitError(ctx, id, err); submitErr != nil {
				return submitErr
			}
			continue
		}
		if err := c.submitResponse(ctx, id, resp); err != nil {
			return err
		}
	}
}

// ReportInitError tells the control plane that startup failed before the
// first poll.
func (c *Client) ReportInitError(ctx context.Context, initErr error) error {
	doc := errorDocument(initErr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/init/error", bytes.NewReader(doc))
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *Client) next(ctx context.Context) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/invocation/next", nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("next-invocation poll failed with status %d", resp.StatusCode)
	}
	id := resp.Header.Get("Lambda-Runtime-Aws-Request-Id")
	if id == "" {
		return "", nil, errors.New("control plane sent no request id")
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	return id, payload, nil
}

func (c *Client) submitResponse(ctx context.Context, id string, payload []byte) error {
	url := fmt.Sprintf("%s/invocation/%s/response", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *Client) submitError(ctx context.Context, id string, handlerErr error) error {
	url := fmt.Sprintf("%s/invocation/%s/error", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(errorDocument(handlerErr)))
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("control plane rejected submission with status %d", resp.StatusCode)
	}
	return nil
}

func errorDocument(err error) []byte {
	doc, _ := json.Marshal(map[string]any{
		"errorType":    fmt.Sprintf("%T", err),
		"errorMessage": err.Error(),
	})
	return doc
}

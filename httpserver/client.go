package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/argus-run/argus-vault/interfaces"
)

// Client is what a tool inside the sandbox uses to reach the broker. Error
// statuses are mapped back to the interfaces sentinel errors, so callers can
// use errors.Is exactly as they would against the controller.
type Client struct {
	Client  *http.Client
	BaseURL string
	Subject string
}

func NewClient(baseURL, subject string) *Client {
	return &Client{
		Client:  http.DefaultClient,
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Subject: subject,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set(SubjectHeader, c.Subject)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach broker: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read broker response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return data, errorForStatus(resp.StatusCode, data)
	}
	return data, nil
}

func errorForStatus(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch status {
	case http.StatusForbidden:
		return fmt.Errorf("broker: %w", interfaces.ErrAccessDenied)
	case http.StatusNotFound:
		return fmt.Errorf("broker: %w", interfaces.ErrEntryNotFound)
	case http.StatusConflict:
		return fmt.Errorf("broker: %w", interfaces.ErrAuthenticationFailed)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("broker: %w: %s", interfaces.ErrVaultHalted, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("broker: %w: %s", interfaces.ErrInvalidName, msg)
	default:
		return fmt.Errorf("broker returned %d: %s", status, msg)
	}
}

func secretPath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/api/v1/secrets/" + strings.Join(parts, "/")
}

func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, secretPath(name), nil)
}

func (c *Client) Put(ctx context.Context, name string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := c.do(ctx, http.MethodPut, secretPath(name), value)
	return err
}

func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, secretPath(name), nil)
	return err
}

func (c *Client) List(ctx context.Context) ([]string, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/secrets", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Names []string `json:"names"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("could not parse broker response: %w", err)
	}
	return resp.Names, nil
}

// Rotate rotates the master key and returns the new generation.
func (c *Client) Rotate(ctx context.Context) (uint64, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/v1/vault/rotate", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Generation uint64 `json:"generation"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("could not parse broker response: %w", err)
	}
	return resp.Generation, nil
}

// Verify asks the broker to replay the attestation chain. A broken chain is
// returned as *interfaces.ChainBrokenError.
func (c *Client) Verify(ctx context.Context) error {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/attestation/verify", nil)
	var resp struct {
		Status   string `json:"status"`
		Sequence uint64 `json:"sequence"`
		Reason   string `json:"reason"`
	}
	if jerr := json.Unmarshal(data, &resp); jerr == nil && resp.Status == "broken" {
		return &interfaces.ChainBrokenError{Sequence: resp.Sequence, Reason: resp.Reason}
	}
	return err
}

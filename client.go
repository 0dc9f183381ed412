package utskick

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// CampaignRequest is the body of POST /campaigns
type CampaignRequest struct {
	Rows   []Row      `json:"rows"`
	Policy PolicySpec `json:"policy"`
}

type CampaignResponse struct {
	BatchID string  `json:"batch_id"`
	Emails  []Email `json:"emails"`
}

type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewClient(host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host: host,
		http: http.DefaultClient,
	}
}

// Client talks to the HTTP API of utskickd
type Client struct {
	host string
	http *http.Client

	// IdempotencyKey is sent with Schedule when set
	IdempotencyKey string
}

func (c *Client) Schedule(ctx context.Context, rows []Row, policy Policy) (CampaignResponse, error) {
	var res CampaignResponse
	err := c.do(ctx, http.MethodPost, "/campaigns", CampaignRequest{Rows: rows, Policy: policy.Spec()}, &res)
	return res, err
}

// Emails lists emails, optionally only those with the given status
func (c *Client) Emails(ctx context.Context, status ...Status) ([]Email, error) {
	path := "/emails"
	if len(status) > 0 {
		q := url.Values{}
		for _, s := range status {
			q.Add("status", s.String())
		}
		path += "?" + q.Encode()
	}
	var res []Email
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

func (c *Client) Email(ctx context.Context, id string) (Email, error) {
	var res Email
	err := c.do(ctx, http.MethodGet, "/emails/"+url.PathEscape(id), nil, &res)
	return res, err
}

// Cancel pulls a scheduled email back to pending, it returns false if there was nothing to cancel
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var res CancelResponse
	err := c.do(ctx, http.MethodDelete, "/emails/"+url.PathEscape(id)+"/schedule", nil, &res)
	return res.Cancelled, err
}

func (c *Client) Analytics(ctx context.Context) (Analytics, error) {
	var res Analytics
	err := c.do(ctx, http.MethodGet, "/analytics", nil, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost && c.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", c.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.Unmarshal(respBytes, &e)
		msg := strings.TrimSpace(e.Error)
		if msg == "" {
			msg = strings.TrimSpace(string(respBytes))
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
		case http.StatusBadRequest:
			var cause error
			if strings.Contains(msg, ErrInvalidPolicy.Error()) {
				cause = ErrInvalidPolicy
			}
			return fmt.Errorf("%s %s: %w", method, path, remoteError{msg: msg, cause: cause})
		}
		return fmt.Errorf("%s %s: unexpected status %d, %s", method, path, resp.StatusCode, msg)
	}

	return json.Unmarshal(respBytes, out)
}

// remoteError carries the message of the server, and the matching sentinel error if there is one
type remoteError struct {
	msg   string
	cause error
}

func (e remoteError) Error() string {
	return e.msg
}

func (e remoteError) Unwrap() error {
	return e.cause
}

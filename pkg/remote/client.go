package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type (
	DoOption      func(*http.Response) error
	RequestOption func() (io.ReadWriter, map[string]string, error)
)

// Client is a thin Basic-Auth HTTP client over the source-of-record API.
// Response handling is composed with DoOptions so every call site shares the
// same error classification.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	username   string
	password   string
}

func NewClient(httpClient *http.Client, baseURL string, username string, password string) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url %q: %w", baseURL, err)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    u,
		username:   username,
		password:   password,
	}, nil
}

func (c *Client) BaseURL() *url.URL {
	return c.baseURL
}

// WithJSONResponse decodes the body into response. An HTML body where JSON
// was expected is classified as an authentication failure: the source serves
// its login page with a 200 when the session has expired. A body that is
// neither HTML nor valid JSON is classified transient.
func WithJSONResponse(response interface{}) DoOption {
	return func(resp *http.Response) error {
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return NewTransientError(fmt.Errorf("reading response body: %w", err))
		}

		if looksLikeHTML(resp.Header.Get("Content-Type"), body) {
			return &AuthError{
				StatusCode: resp.StatusCode,
				Err:        errors.New("received HTML where JSON was expected, session likely expired"),
			}
		}

		if err := json.Unmarshal(body, response); err != nil {
			return NewTransientError(fmt.Errorf("decoding JSON response: %w", err))
		}
		return nil
	}
}

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func WithAcceptJSONHeader() RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{
			"Accept": "application/json",
		}, nil
	}
}

// Do executes the request and classifies the response status before running
// any response options.
func (c *Client) Do(req *http.Request, options ...DoOption) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewTransientError(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return resp, &AuthError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return resp, NewTransientError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return resp, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	for _, option := range options {
		err = option(resp)
		if err != nil {
			return resp, err
		}
	}

	return resp, nil
}

func (c *Client) NewRequest(ctx context.Context, method string, u *url.URL, options ...RequestOption) (*http.Request, error) {
	var buffer io.ReadWriter
	headers := make(map[string]string)
	for _, option := range options {
		buf, h, err := option()
		if err != nil {
			return nil, err
		}

		if buf != nil {
			buffer = buf
		}

		for k, v := range h {
			headers[k] = v
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), buffer)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.username, c.password)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

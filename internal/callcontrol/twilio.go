package callcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultAPIBase = "https://api.twilio.com/2010-04-01"

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the REST API base URL. Useful for tests.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client updates live calls through the Twilio REST API.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client. accountSID and authToken must be non-empty.
func NewClient(accountSID, authToken string, opts ...ClientOption) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("callcontrol: account SID and auth token must not be empty")
	}
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultAPIBase,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// errorBody is the JSON error payload returned by the REST API.
type errorBody struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// UpdateCall replaces the instructions of the in-progress call callSID with
// twiml. Non-2xx responses are returned as *APIError.
func (c *Client) UpdateCall(ctx context.Context, callSID, twiml string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json",
		c.baseURL, url.PathEscape(c.accountSID), url.PathEscape(callSID))
	form := url.Values{"Twiml": {twiml}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("callcontrol: update call: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callcontrol: update call HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.MoreInfo = body.MoreInfo
		if body.Message != "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}

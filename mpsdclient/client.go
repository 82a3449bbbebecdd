// Package mpsdclient is the shared low-level HTTP client used to talk to
// Xbox Live's REST surface: the Multiplayer Session Directory and the social
// graph. It owns header injection and body codec only; retry policy lives
// with the caller (session.Controller and social.Graph call it directly
// since their own operations are idempotent retries by nature). The token
// endpoints are not reached through this package: auth.Pipeline issues its
// own requests through a retryablehttp-backed client.
package mpsdclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UserAgent matches the value Xbox Live service clients are expected to send.
const UserAgent = "XboxServicesAPI/2021.11.20201204.000 c"

// Client is a thin, reusable wrapper around *http.Client for Xbox Live
// endpoints. One Client is shared by every identity; authorization is passed
// per-request since each identity carries its own XSTS token.
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

// New returns a Client using http, or http.DefaultClient if nil.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTP: httpClient, UserAgent: UserAgent}
}

// Request describes one call to an Xbox Live endpoint.
type Request struct {
	Method          string
	URL             string
	AuthHeader      string // full "XBL3.0 x=<hash>;<token>" value; empty for unauthenticated calls
	ContractVersion string
	Body            interface{} // marshalled as JSON if non-nil
}

// Do issues req and decodes the JSON response body into out, which may be
// nil when the caller only cares about the status code (e.g. MPSD PUTs that
// return 200 with an empty-ish body on success).
func (c *Client) Do(ctx context.Context, req Request, out interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("mpsdclient: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("mpsdclient: building request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.UserAgent)
	if req.AuthHeader != "" {
		httpReq.Header.Set("Authorization", req.AuthHeader)
	}
	if req.ContractVersion != "" {
		httpReq.Header.Set("x-xbl-contract-version", req.ContractVersion)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mpsdclient: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, fmt.Errorf("mpsdclient: reading response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		return resp, fmt.Errorf("mpsdclient: %s %s: unexpected status %s", req.Method, req.URL, resp.Status)
	}

	if out == nil || len(body) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp, fmt.Errorf("mpsdclient: decoding response body: %w", err)
	}

	return resp, nil
}

// AuthHeader formats the XBL3.0 authorization header from a user hash and an
// XSTS token, matching the form required by §3/§4.2 of the spec.
func AuthHeader(userHash, xstsToken string) string {
	return fmt.Sprintf("XBL3.0 x=%s;%s", userHash, xstsToken)
}

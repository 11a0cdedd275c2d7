package authclient

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the identity provider's auth endpoints over HTTP. The API
// proxies credential flows to it rather than minting tokens itself.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Session is the token bundle issued on signup or signin.
type Session struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int         `json:"expires_in"`
	RefreshToken string      `json:"refresh_token"`
	User         SessionUser `json:"user"`
}

// SessionUser is the identity record embedded in a session response.
type SessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// APIError represents an auth provider error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs an auth provider client. The apiKey is the provider's
// public anon key, required on every request.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SignUp registers a new credential pair. Providers with confirmation
// enabled return a session without tokens until the email is verified.
func (c *Client) SignUp(email, password string) (Session, error) {
	payload := map[string]string{"email": email, "password": password}
	var sess Session
	if err := c.doJSON(http.MethodPost, "/signup", "", payload, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// SignIn exchanges a credential pair for a session via the password grant.
func (c *Client) SignIn(email, password string) (Session, error) {
	payload := map[string]string{"email": email, "password": password}
	var sess Session
	if err := c.doJSON(http.MethodPost, "/token?grant_type=password", "", payload, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// SignOut revokes the refresh tokens behind the given access token.
func (c *Client) SignOut(accessToken string) error {
	return c.doJSON(http.MethodPost, "/logout", accessToken, nil, nil)
}

func (c *Client) doJSON(method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Message          string `json:"msg"`
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
			ErrorCode        string `json:"error_code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Message
		if msg == "" {
			msg = errResp.ErrorDescription
		}
		if msg == "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.ErrorCode)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

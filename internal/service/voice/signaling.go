package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/voice"
)

const maxErrorBody = 4 << 10

// TokenClient requests ephemeral realtime credentials. APIKey may be empty
// when Endpoint is a local proxy that holds the key itself.
type TokenClient struct {
	HTTPClient *http.Client
	Endpoint   string
	APIKey     string
	Model      string
	Voice      string
}

type tokenRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

// EphemeralToken returns client_secret.value from the sessions endpoint.
func (c *TokenClient) EphemeralToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{Model: c.Model, Voice: c.Voice})
	if err != nil {
		return "", errors.Wrap(err, "encode token request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := httpClient(c.HTTPClient).Do(req)
	if err != nil {
		return "", errors.Wrap(err, "token request")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", errors.Wrap(err, "token request")
	}

	var token voice.EphemeralToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", errors.Wrap(err, "decode token response")
	}
	if token.ClientSecret.Value == "" {
		return "", errors.New("token response has no client_secret.value")
	}
	return token.ClientSecret.Value, nil
}

// SDPExchanger posts an SDP offer to the realtime endpoint.
type SDPExchanger struct {
	HTTPClient *http.Client
	BaseURL    string
	Model      string
}

// Exchange returns the answer SDP for offerSDP.
func (e *SDPExchanger) Exchange(ctx context.Context, token, offerSDP string) (string, error) {
	endpoint, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse realtime url")
	}
	if e.Model != "" {
		q := endpoint.Query()
		q.Set("model", e.Model)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(offerSDP))
	if err != nil {
		return "", errors.Wrap(err, "build sdp request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := httpClient(e.HTTPClient).Do(req)
	if err != nil {
		return "", errors.Wrap(err, "sdp exchange")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", errors.Wrap(err, "sdp exchange")
	}

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read sdp answer")
	}
	if len(bytes.TrimSpace(answer)) == 0 {
		return "", errors.New("empty sdp answer")
	}
	return string(answer), nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return errors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

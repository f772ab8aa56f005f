package voice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenClientRequestsEphemeralKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-4o-realtime-preview-2024-12-17", body["model"])
		require.Equal(t, "verse", body["voice"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1700000000}}`))
	}))
	defer srv.Close()

	client := &TokenClient{
		Endpoint: srv.URL,
		APIKey:   "sk-test",
		Model:    "gpt-4o-realtime-preview-2024-12-17",
		Voice:    "verse",
	}
	token, err := client.EphemeralToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ek_abc", token)
}

func TestTokenClientRejectsBadResponses(t *testing.T) {
	status := http.StatusUnauthorized
	body := `{"error":"invalid key"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client := &TokenClient{Endpoint: srv.URL, Model: "m"}
	_, err := client.EphemeralToken(context.Background())
	require.ErrorContains(t, err, "401")

	status, body = http.StatusOK, `{"client_secret":{}}`
	_, err = client.EphemeralToken(context.Background())
	require.ErrorContains(t, err, "client_secret")
}

func TestSDPExchangerPostsOffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/realtime", r.URL.Path)
		require.Equal(t, "gpt-4o-realtime-preview-2024-12-17", r.URL.Query().Get("model"))
		require.Equal(t, "Bearer ek_abc", r.Header.Get("Authorization"))
		require.Equal(t, "application/sdp", r.Header.Get("Content-Type"))

		offer, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, "v=0 offer", string(offer))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0 answer"))
	}))
	defer srv.Close()

	ex := &SDPExchanger{BaseURL: srv.URL + "/v1/realtime", Model: "gpt-4o-realtime-preview-2024-12-17"}
	answer, err := ex.Exchange(context.Background(), "ek_abc", "v=0 offer")
	require.NoError(t, err)
	require.Equal(t, "v=0 answer", answer)
}

func TestSDPExchangerFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad offer", http.StatusBadRequest)
	}))
	defer srv.Close()

	ex := &SDPExchanger{BaseURL: srv.URL, Model: "m"}
	_, err := ex.Exchange(context.Background(), "ek", "offer")
	require.ErrorContains(t, err, "bad offer")
}

package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"docpipeline/internal/config"
)

func newTestServer(t *testing.T, check func(r *http.Request), vectorsPerInput int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(r)
		}
		n := len(req.Input)
		if vectorsPerInput >= 0 {
			n = vectorsPerInput
		}
		var resp embedResponse
		for i := 0; i < n; i++ {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: []float32{float32(i), 0.5}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed_OneVectorPerInputInOrder(t *testing.T) {
	srv := newTestServer(t, nil, -1)
	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m"})

	vecs, err := c.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		require.Equal(t, []float32{float32(i), 0.5}, v)
	}
}

func TestEmbed_BearerAuthDefault(t *testing.T) {
	srv := newTestServer(t, func(r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
	}, -1)
	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m", APIKey: "secret"})

	_, err := c.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
}

func TestEmbed_CustomAuthHeader(t *testing.T) {
	srv := newTestServer(t, func(r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.Empty(t, r.Header.Get("Authorization"))
	}, -1)
	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m", APIKey: "secret", APIHeader: "x-api-key"})

	_, err := c.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
}

func TestEmbed_ExtraHeadersApplied(t *testing.T) {
	srv := newTestServer(t, func(r *http.Request) {
		require.Equal(t, "Bearer s", r.Header.Get("Authorization"))
		require.Equal(t, "abc", r.Header.Get("x-tenant"))
	}, -1)
	c := NewClient(config.EmbeddingConfig{
		BaseURL: srv.URL, Path: "/", Model: "m",
		APIKey:  "s",
		Headers: map[string]string{"x-tenant": "abc"},
	})

	_, err := c.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
}

func TestEmbed_HeadersMapOverridesAuth(t *testing.T) {
	srv := newTestServer(t, func(r *http.Request) {
		require.Equal(t, "Token abc", r.Header.Get("Authorization"))
	}, -1)
	c := NewClient(config.EmbeddingConfig{
		BaseURL: srv.URL, Path: "/", Model: "m",
		APIKey:  "ignored",
		Headers: map[string]string{"Authorization": "Token abc"},
	})

	_, err := c.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
}

func TestEmbed_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m"})

	_, err := c.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestEmbed_LengthMismatchIsError(t *testing.T) {
	srv := newTestServer(t, nil, 1)
	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m"})

	_, err := c.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "got 1 vectors for 2 inputs")
}

func TestEmbed_EmptyInputRejected(t *testing.T) {
	c := NewClient(config.EmbeddingConfig{BaseURL: "http://unused", Path: "/", Model: "m"})
	_, err := c.Embed(context.Background(), nil)
	require.Error(t, err)
}

func TestPing_RoundTrips(t *testing.T) {
	srv := newTestServer(t, nil, -1)
	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/", Model: "m"})
	require.NoError(t, c.Ping(context.Background()))
}

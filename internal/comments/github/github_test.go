package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommentsParsesFirstDiscussion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "repo:acme/comments in:id:7712", req.Variables["q"])
		_, _ = w.Write([]byte(`{"data":{"search":{"nodes":[{"title":"7712","comments":{"totalCount":1}}]}}}`))
	}))
	defer srv.Close()

	src := New(Config{Endpoint: srv.URL, Token: "secret", Owner: "acme", Repo: "comments"}, srv.Client())
	summary, err := src.Comments(context.Background(), "7712")
	require.NoError(t, err)
	require.NotNil(t, summary)
	require.Equal(t, 1, summary.TotalCount)
	require.Equal(t, "7712", summary.Title)
}

func TestCommentsNoDiscussion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"search":{"nodes":[]}}}`))
	}))
	defer srv.Close()

	summary, err := New(Config{Endpoint: srv.URL}, srv.Client()).Comments(context.Background(), "1")
	require.NoError(t, err)
	require.Nil(t, summary)
}

func TestCommentsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"status", http.StatusUnauthorized, `{}`},
		{"graphql error", http.StatusOK, `{"errors":[{"message":"rate limited"}]}`},
		{"bad json", http.StatusOK, `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(Config{Endpoint: srv.URL}, srv.Client()).Comments(context.Background(), "1")
			require.Error(t, err)
		})
	}
}

package search

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, host string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c, err := NewClient(host, "secret-token", logger, 0, 5*time.Second)
	require.NoError(t, err)
	return c
}

func TestFetchPage(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"id": "1", "text": "flood on main st", "created_at": "2025-07-20T10:00:00.000Z"},
				{"id": "2", "text": "more rain"}
			],
			"meta": {"result_count": 2, "next_token": "tok1"}
		}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	page, err := c.FetchPage(context.Background(), PageRequest{
		Query:     "flood",
		Fields:    "created_at",
		PageSize:  100,
		NextToken: "tok0",
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, searchPath, got.URL.Path)
	assert.Equal(t, "flood", got.URL.Query().Get("query"))
	assert.Equal(t, "created_at", got.URL.Query().Get("tweet.fields"))
	assert.Equal(t, "100", got.URL.Query().Get("max_results"))
	assert.Equal(t, "tok0", got.URL.Query().Get("next_token"))
	assert.Equal(t, "Bearer secret-token", got.Header.Get("Authorization"))

	require.Len(t, page.Data, 2)
	assert.Equal(t, "1", page.Data[0].ID)
	assert.Equal(t, "2025-07-20T10:00:00.000Z", page.Data[0].CreatedAt)
	assert.Empty(t, page.Data[1].CreatedAt)
	assert.Equal(t, "tok1", page.NextToken())
}

func TestFetchPage_NoNextToken(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Write([]byte(`{"meta": {"result_count": 0}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	page, err := c.FetchPage(context.Background(), PageRequest{Query: "flood", PageSize: 100})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.Empty(t, page.NextToken())
	assert.False(t, got.URL.Query().Has("next_token"))
}

func TestFetchPage_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	page, err := c.FetchPage(context.Background(), PageRequest{Query: "flood", PageSize: 100})
	assert.Nil(t, page)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFetchPage_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"title":"Unauthorized"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	_, err := c.FetchPage(context.Background(), PageRequest{Query: "flood", PageSize: 100})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "Unauthorized")
	assert.Contains(t, err.Error(), "401")
}

func TestFetchPage_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("invalid json"))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	_, err := c.FetchPage(context.Background(), PageRequest{Query: "flood", PageSize: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode JSON")
}

func TestFetchPage_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := server.URL
	server.Close()

	c := newTestClient(t, host)

	_, err := c.FetchPage(context.Background(), PageRequest{Query: "flood", PageSize: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to make request")

	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
	assert.NotErrorIs(t, err, ErrRateLimited)
}

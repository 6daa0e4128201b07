package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ama66/datasync/internal/ingest"
)

func TestClientFetchPageSendsQueryAndAuth(t *testing.T) {
	t.Parallel()

	var gotQuery, gotKey, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-API-Key")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": [
				{"id":"e1","sessionId":"s1","type":"pageview","timestamp":1700000000,
				 "properties":{"path":"/"}}
			],
			"pagination": {"nextCursor":"cur-2","hasMore":true},
			"meta": {"total":4,"returned":1}
		}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL + "/api", APIKey: "secret", PageSize: 100})
	require.NoError(t, err)

	res, err := client.FetchPage(context.Background(), "cur-1")
	require.NoError(t, err)

	assert.Equal(t, "cursor=cur-1&limit=100", gotQuery)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "e1", res.Records[0].ID)
	assert.Equal(t, "cur-2", res.NextCursor)
	assert.True(t, res.HasMore)
	assert.Equal(t, int64(4), res.Total)
	assert.NotEmpty(t, res.Raw)

	// UseNumber keeps the timestamp shape for the normalizer.
	num, ok := res.Records[0].Timestamp.(json.Number)
	require.True(t, ok, "timestamp should decode as json.Number, got %T", res.Records[0].Timestamp)
	assert.Equal(t, "1700000000", num.String())
}

func TestClientFetchPageOmitsEmptyCursor(t *testing.T) {
	t.Parallel()

	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data":[],"pagination":{"nextCursor":"","hasMore":false},"meta":{"total":0,"returned":0}}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, PageSize: 25})
	require.NoError(t, err)

	res, err := client.FetchPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "limit=25", gotQuery)
	assert.Empty(t, res.Records)
	assert.False(t, res.HasMore)
}

func TestClientFetchPageRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	res, err := client.FetchPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, 2*time.Second, res.RetryAfter)
	assert.Contains(t, res.Snippet, "rate limited")
}

func TestClientFetchPageRetryAfterHTTPDate(t *testing.T) {
	t.Parallel()

	retryAt := time.Now().Add(3 * time.Second).UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", retryAt.Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	res, err := client.FetchPage(context.Background(), "")
	require.NoError(t, err)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 3*time.Second)
}

func TestClientFetchPageMalformedBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), "cur-9")
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrMalformedResponse)
	assert.Contains(t, err.Error(), "cur-9")
}

func TestClientFetchPageServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream maintenance"))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	res, err := client.FetchPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "upstream maintenance", res.Snippet)
}

func TestClientFetchPageNetworkError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ingest.ErrMalformedResponse)
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "analytics.example.com/api"})
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "empty", value: "", want: 0},
		{name: "seconds", value: "5", want: 5 * time.Second},
		{name: "negative seconds", value: "-3", want: 0},
		{name: "http date", value: "Mon, 01 Jan 2024 00:00:10 GMT", want: 10 * time.Second},
		{name: "past http date", value: "Sun, 31 Dec 2023 23:59:00 GMT", want: 0},
		{name: "garbage", value: "soonish", want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseRetryAfter(tt.value, now))
		})
	}
}

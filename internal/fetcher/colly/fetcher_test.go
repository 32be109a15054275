package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridfetch/internal/collector"
	"github.com/JakeFAU/gridfetch/internal/fetcher"
)

func TestFetchDecodesArray(t *testing.T) {
	t.Parallel()

	seen := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"zoneKey":"DK-DK1","datetime":"2024-01-01T10:00:00+00:00","production":{"wind":812.5}}]`))
	}))
	t.Cleanup(srv.Close)

	src, err := New(Config{URL: srv.URL + "/v1/{category}/{source}?at={target}", Timeout: time.Second})
	require.NoError(t, err)

	target := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	records, err := src.Fetch(context.Background(), collector.FetchRequest{
		SourceID: "DK-DK1",
		Category: collector.CategoryProduction,
		Target:   &target,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := <-seen
	assert.Equal(t, "/v1/production/DK-DK1", got.URL.Path)
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "2024-01-01T10:00:00Z", got.URL.Query().Get("at"))

	prod, ok := records[0]["production"].(map[string]any)
	require.True(t, ok)
	wind, ok := collector.Float(prod["wind"])
	require.True(t, ok)
	assert.InDelta(t, 812.5, wind, 1e-9)
}

func TestFetchRepeatsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"datetime":"2024-01-01T10:00:00Z","price":41.2}`))
	}))
	t.Cleanup(srv.Close)

	src, err := New(Config{URL: srv.URL + "/price/{source}"})
	require.NoError(t, err)

	req := collector.FetchRequest{SourceID: "FR", Category: collector.CategoryPrice}
	for i := 0; i < 2; i++ {
		records, err := src.Fetch(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, records, 1)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchRejectsHistoricalWithoutPlaceholder(t *testing.T) {
	t.Parallel()

	src, err := New(Config{URL: "http://127.0.0.1:1/live/{source}"})
	require.NoError(t, err)
	assert.False(t, src.Historical())

	target := time.Now()
	_, err = src.Fetch(context.Background(), collector.FetchRequest{SourceID: "FR", Target: &target})
	assert.ErrorIs(t, err, fetcher.ErrHistoricalUnsupported)
}

func TestFetchHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	src, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), collector.FetchRequest{SourceID: "FR"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	src, err := New(Config{URL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = src.Fetch(ctx, collector.FetchRequest{SourceID: "FR"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveURLEscapes(t *testing.T) {
	t.Parallel()

	src, err := New(Config{URL: "https://api.example.com/{category}/{source}"})
	require.NoError(t, err)
	got := src.ResolveURL(collector.FetchRequest{SourceID: "DK-DK1->DK-DK2", Category: collector.CategoryExchange})
	assert.Equal(t, "https://api.example.com/exchange/DK-DK1-%3EDK-DK2", got)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestDecodeRecords(t *testing.T) {
	t.Parallel()

	records, err := DecodeRecords([]byte(` {"netFlow": 12} `))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, json.Number("12"), records[0]["netFlow"])

	_, err = DecodeRecords(nil)
	assert.ErrorIs(t, err, collector.ErrEmptyResult)

	_, err = DecodeRecords([]byte(`"text"`))
	assert.Error(t, err)

	_, err = DecodeRecords([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	src, err := New(Config{URL: "https://example.com", Headers: http.Header{"X-Api-Key": {"k"}}})
	require.NoError(t, err)

	var body []byte
	var fetchErr error
	hooks := &stubHooks{}
	src.configureCollectorHooks(hooks, &body, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "k", collyReq.Headers.Get("X-Api-Key"))
	assert.Equal(t, "application/json", collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{Body: []byte("[]")})
	assert.Equal(t, "[]", string(body))

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.Error(t, fetchErr)
	assert.Contains(t, fetchErr.Error(), "status 404")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

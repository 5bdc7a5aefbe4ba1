package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "mangacrawler-test", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/manga",
		Accept:  "application/json",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))
	require.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	require.False(t, resp.UsedHeadless)

	headers := <-seen
	require.Equal(t, "application/json", headers.Get("Accept"))
	require.Equal(t, "yes", headers.Get("X-Trace"))
	require.Equal(t, "mangacrawler-test", headers.Get("User-Agent"))
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	for range 2 {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/slow-down":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/busy"})
	require.True(t, crawler.IsTransient(err))
	var transient *crawler.TransientFetchError
	require.True(t, errors.As(err, &transient))
	require.Equal(t, http.StatusServiceUnavailable, transient.StatusCode)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/slow-down"})
	require.True(t, crawler.IsTransient(err))

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/gone"})
	require.False(t, crawler.IsTransient(err))
	require.True(t, crawler.IsStatus(err, http.StatusNotFound))
}

func TestFetchNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), crawler.FetchRequest{URL: url})
	require.True(t, crawler.IsTransient(err))
}

func TestFetchHonoursCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, crawler.IsCanceled(err))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var out outcome
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, crawler.FetchRequest{Headers: http.Header{"X-Trace": {"yes"}}}, time.Now(), &out)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	require.Equal(t, http.StatusBadGateway, out.status)
	require.EqualError(t, out.err, "Bad Gateway")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

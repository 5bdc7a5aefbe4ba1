package headless

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

type stubFetcher struct {
	resp  crawler.FetchResponse
	err   error
	calls atomic.Int32
}

func (s *stubFetcher) Fetch(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.calls.Add(1)
	return s.resp, s.err
}

type detectorFunc func(crawler.FetchResponse) bool

func (f detectorFunc) ShouldPromote(resp crawler.FetchResponse) bool { return f(resp) }

func TestPromotingFetch(t *testing.T) {
	t.Parallel()

	shell := crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte("shell")}
	rendered := crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte("full"), UsedHeadless: true}
	isShell := detectorFunc(func(r crawler.FetchResponse) bool { return string(r.Body) == "shell" })

	t.Run("promotes shells", func(t *testing.T) {
		t.Parallel()
		plain, browser := &stubFetcher{resp: shell}, &stubFetcher{resp: rendered}
		p, err := NewPromoting(plain, browser, isShell, zap.NewNop())
		require.NoError(t, err)

		resp, err := p.Fetch(context.Background(), crawler.FetchRequest{URL: "https://reader.example/c/1"})
		require.NoError(t, err)
		require.True(t, resp.UsedHeadless)
		require.EqualValues(t, 1, browser.calls.Load())
	})

	t.Run("keeps rendered probes", func(t *testing.T) {
		t.Parallel()
		plain, browser := &stubFetcher{resp: rendered}, &stubFetcher{}
		p, err := NewPromoting(plain, browser, isShell, nil)
		require.NoError(t, err)

		resp, err := p.Fetch(context.Background(), crawler.FetchRequest{URL: "https://reader.example"})
		require.NoError(t, err)
		require.Equal(t, "full", string(resp.Body))
		require.Zero(t, browser.calls.Load())
	})

	t.Run("probe errors are not promoted", func(t *testing.T) {
		t.Parallel()
		notFound := &crawler.StatusError{URL: "https://reader.example", StatusCode: http.StatusNotFound}
		plain, browser := &stubFetcher{err: notFound}, &stubFetcher{}
		p, err := NewPromoting(plain, browser, isShell, nil)
		require.NoError(t, err)

		_, err = p.Fetch(context.Background(), crawler.FetchRequest{URL: "https://reader.example"})
		require.True(t, errors.Is(err, notFound))
		require.Zero(t, browser.calls.Load())
	})
}

func TestNewPromotingValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPromoting(nil, &stubFetcher{}, detectorFunc(nil), nil)
	require.Error(t, err)
}

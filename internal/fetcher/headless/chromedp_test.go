package headless

import (
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.NotNil(t, fetcher.slots)
	require.Equal(t, defaultNavTimeout, fetcher.cfg.NavigationTimeout)
	require.Equal(t, defaultWaitSelector, fetcher.cfg.WaitSelector)
	require.Equal(t, defaultSettleDelay, fetcher.cfg.SettleDelay)

	unlimited, err := NewChromedp(Config{SettleDelay: -time.Second})
	require.NoError(t, err)
	t.Cleanup(unlimited.Close)
	require.Nil(t, unlimited.slots)
	require.Zero(t, unlimited.cfg.SettleDelay)

	_, err = NewChromedp(Config{ScrollSteps: -1})
	require.Error(t, err)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, classifyStatus("https://x", http.StatusOK))
	require.NoError(t, classifyStatus("https://x", http.StatusNotModified))
	require.True(t, crawler.IsTransient(classifyStatus("https://x", http.StatusBadGateway)))
	require.True(t, crawler.IsStatus(classifyStatus("https://x", http.StatusNotFound), http.StatusNotFound))
}

func TestDocumentStatusKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	doc := &documentStatus{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://reader.test/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 203, URL: "https://reader.test/chapter/1"},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://ads.test/frame"},
	})
	doc.observe("not an event")

	status, url := doc.result("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "https://reader.test/chapter/1", url)

	status, url = doc.result("https://req", "https://reader.test/chapter/1?p=2")
	require.Equal(t, 203, status)
	require.Equal(t, "https://reader.test/chapter/1?p=2", url)
}

func TestDocumentStatusFallbacks(t *testing.T) {
	t.Parallel()

	status, url := (&documentStatus{}).result("https://req", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://req", url)
}

package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

func html(body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	longText := strings.Repeat("Chapter 12 of the series continues here. ", 20)

	cases := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{"empty body", html("  "), true},
		{"next.js shell", html(`<html><body><div id="__next"></div></body></html>`), true},
		{"empty react root", html(`<html><body><div id="root"></div><script src="/main.js"></script></body></html>`), true},
		{"noscript notice", html(`<body><noscript>Please enable JavaScript to read.</noscript>` + longText + `</body>`), true},
		{"script heavy thin page", html(`<html><body><script>var a=1;</script><p>Loading</p></body></html>`), true},
		{"rendered reader page", html(`<html><body><script>track()</script><p>` + longText + `</p></body></html>`), false},
		{"static page without scripts", html(`<html><body><p>short</p></body></html>`), false},
		{"not found", crawler.FetchResponse{StatusCode: http.StatusNotFound, Body: []byte("missing")}, false},
		{"json api", crawler.FetchResponse{
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": {"application/json"}},
			Body:       []byte(`{"data":[]}`),
		}, false},
	}
	h := NewHeuristic(0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}

func TestNewHeuristicDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, defaultMinText, NewHeuristic(0).MinTextLength)
	require.Equal(t, 50, NewHeuristic(50).MinTextLength)
}

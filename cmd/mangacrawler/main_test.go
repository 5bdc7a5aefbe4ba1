package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCrawlRequiresTarget(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "accepts 1 arg(s)")
}

func TestCrawlRejectsBadPageLimit(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "crawl", "dex", "--pages", "sideways")
	require.ErrorContains(t, err, "--pages")
}

func TestConfigErrorsSurface(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: sideways\n"), 0o600))

	_, err := execute(t, "serve", "--config", path)
	require.ErrorContains(t, err, "mode must be local or distributed")
}

func TestCrawlFlagsLimit(t *testing.T) {
	t.Parallel()

	limit, err := crawlFlags{pageLimit: "3"}.limit()
	require.NoError(t, err)
	require.Equal(t, crawler.UpToN(3), limit)

	_, err = crawlFlags{pageLimit: "all", maxItems: -1}.limit()
	require.Error(t, err)
}

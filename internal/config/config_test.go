package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 4, cfg.Crawler.Concurrency)
	require.Equal(t, "sqlite", cfg.Checkpoint.Driver)
	require.Equal(t, 20*time.Second, cfg.HTTP.FetchTimeout())
	require.Equal(t, 3*time.Second, cfg.Crawler.DefaultDelay())
	require.Equal(t, 50, cfg.Trap.MaxPageNumber)
	require.Equal(t, time.Hour, cfg.Robots.RobotsTTL())
	require.Empty(t, cfg.Seeds)
}

func TestLoad_FileOverridesAndSeeds(t *testing.T) {
	path := writeConfig(t, `
crawler:
  concurrency: 2
  default_delay_ms: 1000
seeds:
  - domain: apnews.com
    kind: news
    urls:
      - https://apnews.com/hub/world-news
    max_depth: 2
    max_pages: 100
  - domain: old.reddit.com
    kind: forum
    urls:
      - https://old.reddit.com/r/worldnews/
    min_delay_ms: 8000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2, cfg.Crawler.Concurrency)
	require.Len(t, cfg.Seeds, 2)

	news := cfg.Seeds[0]
	require.Equal(t, 2, news.DepthCap(cfg.Crawler))
	require.Equal(t, 100, news.PageBudget(cfg.Crawler))
	require.Equal(t, time.Second, news.MinDelay(cfg.Crawler))

	reddit := cfg.Seeds[1]
	require.Equal(t, cfg.Crawler.MaxDepthDefault, reddit.DepthCap(cfg.Crawler))
	require.Equal(t, 8*time.Second, reddit.MinDelay(cfg.Crawler))
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{
			name:     "zero concurrency",
			contents: "crawler:\n  concurrency: 0\n",
			wantErr:  "crawler.concurrency",
		},
		{
			name:     "bad driver",
			contents: "checkpoint:\n  driver: dynamo\n",
			wantErr:  "checkpoint.driver",
		},
		{
			name:     "postgres without dsn",
			contents: "checkpoint:\n  driver: postgres\n",
			wantErr:  "checkpoint.dsn",
		},
		{
			name:     "inverted jitter range",
			contents: "crawler:\n  jitter_min_ms: 900\n  jitter_max_ms: 100\n",
			wantErr:  "jitter_min_ms",
		},
		{
			name:     "seed without urls",
			contents: "seeds:\n  - domain: example.com\n    kind: news\n",
			wantErr:  "seeds[0].urls",
		},
		{
			name:     "seed with unknown kind",
			contents: "seeds:\n  - domain: example.com\n    kind: blog\n    urls: [\"https://example.com/\"]\n",
			wantErr:  "kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.contents))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

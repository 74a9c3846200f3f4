package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/crawler"
	"github.com/textforge/harvest/internal/extract"
)

func TestJSONL_EmitWritesEnrichedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "records.jsonl")
	s, err := NewJSONL(path, extract.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	body := []byte(`<html><head><title>Story</title></head>
		<body><article><p>Hello world.</p></article></body></html>`)

	record := crawler.CrawlRecord{
		UID:       "uid-1",
		RunID:     "run-1",
		URL:       "https://a.example/story",
		Domain:    "a.example",
		Kind:      crawler.KindNews,
		Status:    200,
		FetchedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Body:      body,
	}
	require.NoError(t, s.Emit(context.Background(), record))
	require.NoError(t, s.Emit(context.Background(), crawler.CrawlRecord{
		UID: "uid-2", URL: "https://a.example/empty", Kind: crawler.KindNews,
	}))
	require.NoError(t, s.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	require.True(t, scanner.Scan())
	var first map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &first))
	require.Equal(t, "uid-1", first["uid"])
	require.NotContains(t, first, "body", "raw markup must not leak into the stream")
	content, ok := first["content"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Story", content["title"])
	require.Equal(t, "Hello world.", content["text"])

	require.True(t, scanner.Scan())
	var second map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &second))
	require.Equal(t, "uid-2", second["uid"])
	require.NotContains(t, second, "content", "empty extraction is omitted")

	require.False(t, scanner.Scan())
}

func TestJSONL_AppendsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "records.jsonl")
	reg := extract.NewRegistry()

	for i, uid := range []string{"uid-1", "uid-2"} {
		s, err := NewJSONL(path, reg, zap.NewNop())
		require.NoError(t, err, "reopen %d", i)
		require.NoError(t, s.Emit(context.Background(), crawler.CrawlRecord{UID: uid}))
		require.NoError(t, s.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "uid-1")
	require.Contains(t, string(data), "uid-2")
}

package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	vars := TemplateVars{
		Streamer:    "alice",
		Title:       "Speedrun: any% / glitchless?",
		Category:    "Games",
		StartedAt:   time.Date(2026, 3, 1, 20, 5, 9, 0, time.UTC),
		RecordingID: 42,
	}
	got := RenderTemplate("{streamer}/{year}-{month}-{day}_{hour}{minute}{second}_{title}_{category}_{id}", vars)
	assert.Equal(t, "alice/2026-03-01_200509_Speedrun_ any% _ glitchless__Games_42", got)
}

func TestOutputPathStaysInsideRoot(t *testing.T) {
	root := "/recordings"
	vars := TemplateVars{Streamer: "..", Title: "../../etc/passwd", RecordingID: 7}

	p, err := OutputPath(root, "{streamer}/../{title}", vars)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "_.._etc_passwd.ts"), p)

	p, err = OutputPath(root, "", vars)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "recording_7.ts"), p)
}

func TestOutputPathForcesRawExtension(t *testing.T) {
	p, err := OutputPath("/r", "{streamer}/{id}.mp4", TemplateVars{Streamer: "bob", RecordingID: 3})
	require.NoError(t, err)
	assert.Equal(t, "/r/bob/3.ts", p)
}

func TestCaptureCommand(t *testing.T) {
	direct := CaptureCommand("streamlink", "https://example.tv/alice", "best", "/r/a/1.ts", "")
	assert.Equal(t, "streamlink", direct.Path)
	assert.Equal(t, []string{"--output", "/r/a/1.ts", "https://example.tv/alice", "best"}, direct.Args)
	assert.Equal(t, "/r/a", direct.Dir)

	proxied := CaptureCommand("streamlink", "https://example.tv/alice", "720p", "/r/a/1.ts", "http://p:3128")
	assert.Equal(t, []string{"--output", "/r/a/1.ts", "--http-proxy", "http://p:3128", "https://example.tv/alice", "720p"}, proxied.Args)
}

func TestIsProxyFailure(t *testing.T) {
	assert.True(t, isProxyFailure("error: Unable to open URL: ProxyError('Cannot connect to proxy.')"))
	assert.True(t, isProxyFailure("HTTP 407 Proxy Authentication Required"))
	assert.False(t, isProxyFailure("error: No playable streams found on this URL"))
}

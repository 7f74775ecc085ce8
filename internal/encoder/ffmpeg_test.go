package encoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_defaults(t *testing.T) {
	f := New("", "")
	assert.Equal(t, DefaultBinary, f.Binary)
	assert.Equal(t, DefaultHost, f.Host)
}

func TestFFmpeg_Endpoint(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9001/live.mkv", New("", "").Endpoint(9001))
	assert.Equal(t, "http://[::1]:9001/live.mkv", New("", "::1").Endpoint(9001))
}

func TestFFmpeg_Command(t *testing.T) {
	f := New("/usr/bin/ffmpeg", "127.0.0.1")
	cmd := f.Command("http://radio.example/stream", "static/overlay_jazzfm.png", 9001)

	require.Equal(t, "/usr/bin/ffmpeg", cmd.Args[0])
	args := cmd.Args[1:]

	assert.Equal(t, []string{
		"-v", "verbose", "-y", "-re",
		"-i", "http://radio.example/stream",
		"-loop", "1",
		"-i", "static/overlay_jazzfm.png",
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "stillimage",
		"-c:a", "aac", "-b:a", "128k",
		"-vf", "scale=1280:720",
		"-f", "matroska",
		"-listen", "1",
		"http://127.0.0.1:9001/live.mkv",
	}, args)
}

func TestFFmpeg_Check_missing_binary(t *testing.T) {
	f := New("/nonexistent/ffmpeg-binary", "")
	assert.Error(t, f.Check(context.Background()))
}

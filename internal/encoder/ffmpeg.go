// Package encoder builds the ffmpeg invocation that turns an audio stream and
// a looped title card into a Matroska video served over HTTP.
package encoder

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
)

const (
	DefaultBinary = "ffmpeg"
	DefaultHost   = "127.0.0.1"

	resource = "/live.mkv"
)

// FFmpeg launches ffmpeg in listen mode, one process per stream.
type FFmpeg struct {
	Binary string
	Host   string
}

// New returns an FFmpeg launcher. Empty arguments fall back to the defaults.
func New(binary, host string) *FFmpeg {
	if binary == "" {
		binary = DefaultBinary
	}
	if host == "" {
		host = DefaultHost
	}
	return &FFmpeg{Binary: binary, Host: host}
}

// Check verifies the binary is on PATH and runs.
func (f *FFmpeg) Check(ctx context.Context) error {
	path, err := exec.LookPath(f.Binary)
	if err != nil {
		return fmt.Errorf("encoder binary %q not found: %w", f.Binary, err)
	}
	if err := exec.CommandContext(ctx, path, "-version").Run(); err != nil {
		return fmt.Errorf("encoder binary %q not runnable: %w", path, err)
	}
	return nil
}

// Endpoint returns the URL the process started by Command serves on.
func (f *FFmpeg) Endpoint(port int) string {
	return "http://" + net.JoinHostPort(f.Host, strconv.Itoa(port)) + resource
}

// Args returns the ffmpeg arguments for one stream.
func (f *FFmpeg) Args(inputURL, imagePath string, port int) []string {
	return []string{
		"-v", "verbose",
		"-y",
		"-re",
		"-i", inputURL,
		"-loop", "1",
		"-i", imagePath,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "stillimage",
		"-c:a", "aac",
		"-b:a", "128k",
		"-vf", "scale=1280:720",
		"-f", "matroska",
		"-listen", "1",
		f.Endpoint(port),
	}
}

// Command builds the process for one stream. The process is not tied to a
// context; callers stop it with a signal.
func (f *FFmpeg) Command(inputURL, imagePath string, port int) *exec.Cmd {
	return exec.Command(f.Binary, f.Args(inputURL, imagePath, port)...)
}

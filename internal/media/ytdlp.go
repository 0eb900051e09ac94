package media

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// YTDLP fetches audio with the yt-dlp binary and writes it to stdout.
type YTDLP struct {
	// Path of the yt-dlp executable. Default: "yt-dlp".
	Path string
}

// SearchArgs returns the arguments that stream the first search hit for
// query as m4a (falling back to the best audio-only format).
func (y *YTDLP) SearchArgs(query string) []string {
	return []string{
		"--quiet",
		"--no-progress",
		"--no-playlist",
		"--playlist-end", "1",
		"-f", "m4a/bestaudio/best",
		"--extractor-args", "youtube:lang=ja",
		"-o", "-",
		"ytsearch:" + strings.ReplaceAll(strings.TrimSpace(query), " ", "+"),
	}
}

// Search starts yt-dlp for query. Closing the returned reader kills the
// process and reaps it.
func (y *YTDLP) Search(ctx context.Context, query string) (io.ReadCloser, error) {
	path := y.Path
	if path == "" {
		path = "yt-dlp"
	}
	cmd := exec.CommandContext(ctx, path, y.SearchArgs(query)...)
	proc, err := startCmd("yt-dlp", cmd)
	if err != nil {
		return nil, fmt.Errorf("media: start yt-dlp: %w", err)
	}
	_ = proc.Stdin().Close()
	return &cmdReadCloser{proc: proc}, nil
}

// cmdReadCloser exposes a process' stdout and tears the process down on
// Close.
type cmdReadCloser struct {
	proc *cmdProcess
}

func (c *cmdReadCloser) Read(p []byte) (int, error) { return c.proc.Stdout().Read(p) }

// Close kills the process. The exit status of a killed process carries no
// information, so it is not reported.
func (c *cmdReadCloser) Close() error {
	c.proc.Kill()
	_ = c.proc.Wait()
	return nil
}

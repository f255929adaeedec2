package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// LogLineCallback receives one demultiplexed log line per invocation.
type LogLineCallback func(stream, line string)

// StreamLogs follows a container's stdout/stderr, invoking onLine for each
// line until the stream ends or the context is cancelled.
func (c *Client) StreamLogs(ctx context.Context, containerID string, follow bool, onLine LogLineCallback) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	reader, err := c.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	stdout := newLineWriter("stdout", onLine)
	stderr := newLineWriter("stderr", onLine)
	defer stdout.Flush()
	defer stderr.Flush()

	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("demux container logs: %w", err)
	}
	return nil
}

// lineWriter splits a byte stream into lines for the callback.
type lineWriter struct {
	stream string
	onLine LogLineCallback
	buf    strings.Builder
}

func newLineWriter(stream string, onLine LogLineCallback) *lineWriter {
	return &lineWriter{stream: stream, onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(w.buf.String() + string(p)))
	w.buf.Reset()
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	// The final fragment stays buffered unless the chunk ended with a newline.
	complete := len(lines)
	if complete > 0 && len(p) > 0 && p[len(p)-1] != '\n' {
		complete--
		w.buf.WriteString(lines[len(lines)-1])
	}
	for _, line := range lines[:complete] {
		if w.onLine != nil && strings.TrimSpace(line) != "" {
			w.onLine(w.stream, line)
		}
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	if w.buf.Len() == 0 {
		return
	}
	line := w.buf.String()
	w.buf.Reset()
	if w.onLine != nil && strings.TrimSpace(line) != "" {
		w.onLine(w.stream, line)
	}
}

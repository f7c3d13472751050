package proxy

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/alecgard/tollgate/internal/enforce"
)

// maxFrameSize bounds one buffered SSE event.
const maxFrameSize = 1 << 20

// UsageObserver watches a copy of an SSE stream for usage frames. Bytes are
// fed to it through Writer; the forwarded stream itself is never touched.
// Wait blocks until the copy has been closed and fully consumed.
type UsageObserver struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	mu    sync.Mutex
	usage enforce.Usage
}

func NewUsageObserver() *UsageObserver {
	pr, pw := io.Pipe()
	o := &UsageObserver{pr: pr, pw: pw, done: make(chan struct{})}
	go o.run()
	return o
}

// Writer is the tee target for the upstream body.
func (o *UsageObserver) Writer() io.Writer { return o.pw }

// Close marks the end of the stream.
func (o *UsageObserver) Close() error { return o.pw.Close() }

// Wait returns the merged usage after the observer drains. A stream that
// never carried usage returns a zero Usage with Reported unset.
func (o *UsageObserver) Wait() enforce.Usage {
	<-o.done
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.usage
}

func (o *UsageObserver) run() {
	defer close(o.done)

	sc := bufio.NewScanner(o.pr)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	sc.Split(splitFrames)
	for sc.Scan() {
		o.observe(sc.Bytes())
	}
	if err := sc.Err(); err != nil {
		slog.Warn("stream usage capture stopped", "error", err)
	}
	// Keep draining so the forwarder's tee never blocks.
	_, _ = io.Copy(io.Discard, o.pr)
}

func (o *UsageObserver) observe(frame []byte) {
	data := frameData(frame)
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) || !gjson.ValidBytes(data) {
		return
	}
	d := readUsage(data)
	if !d.hasPrompt && !d.hasCompletion {
		return
	}
	o.mu.Lock()
	d.apply(&o.usage)
	o.mu.Unlock()
}

// frameData joins the data lines of one SSE event.
func frameData(frame []byte) []byte {
	var out []byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		rest = bytes.TrimPrefix(rest, []byte(" "))
		if out != nil {
			out = append(out, '\n')
		}
		out = append(out, rest...)
	}
	return out
}

// splitFrames is a bufio.SplitFunc that yields SSE events, which end at a
// blank line. Both LF and CRLF line endings occur in the wild.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf >= 0 && (crlf < 0 || lf < crlf):
		return lf + 2, data[:lf], nil
	case crlf >= 0:
		return crlf + 4, data[:crlf], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

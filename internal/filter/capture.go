package filter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/envelope"
)

// Capture sits between the proxy and the client. JSON responses eligible for
// envelope rewriting are buffered up to the rewriter's limit; everything else
// streams straight through.
type Capture struct {
	w        http.ResponseWriter
	rewriter *envelope.Rewriter
	path     string
	log      *zap.Logger

	status      int
	wroteHeader bool
	buffering   bool
	finished    bool
	buf         bytes.Buffer
	bytesOut    int64
}

func NewCapture(w http.ResponseWriter, rewriter *envelope.Rewriter, path string, log *zap.Logger) *Capture {
	return &Capture{w: w, rewriter: rewriter, path: path, log: log, status: http.StatusOK}
}

func (c *Capture) Header() http.Header { return c.w.Header() }

func (c *Capture) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = status

	ct := c.w.Header().Get("Content-Type")
	if !c.rewriter.Applies(c.path, ct) {
		c.w.WriteHeader(status)
		return
	}
	if cl := c.w.Header().Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > c.rewriter.MaxBuffer {
			c.log.Warn("json body exceeds envelope buffer, streaming through",
				zap.String("path", c.path), zap.Int64("content_length", n))
			c.w.WriteHeader(status)
			return
		}
	}
	// Header flush is deferred until Finish; the status and length may both
	// change once the body is wrapped.
	c.buffering = true
}

func (c *Capture) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if c.buffering {
		if int64(c.buf.Len()+len(b)) > c.rewriter.MaxBuffer {
			// Declared length lied or was absent; fall back to streaming.
			c.log.Warn("json body exceeds envelope buffer, streaming through",
				zap.String("path", c.path))
			c.abandonBuffer()
		} else {
			return c.buf.Write(b)
		}
	}
	n, err := c.w.Write(b)
	c.bytesOut += int64(n)
	return n, err
}

// abandonBuffer flushes what was held and switches to passthrough.
func (c *Capture) abandonBuffer() {
	c.buffering = false
	c.w.WriteHeader(c.status)
	n, _ := c.w.Write(c.buf.Bytes())
	c.bytesOut += int64(n)
	c.buf.Reset()
}

func (c *Capture) Flush() {
	if c.buffering {
		return
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Status is the upstream status, defaulting to 200.
func (c *Capture) Status() int { return c.status }

// BytesOut is how many body bytes reached the client so far.
func (c *Capture) BytesOut() int64 { return c.bytesOut }

// Buffered reports whether the body is still held for rewriting.
func (c *Capture) Buffered() bool { return c.buffering }

// Release flushes any buffered body untouched. Used when the gateway already
// rendered the response itself (proxy error envelopes must not be re-wrapped).
func (c *Capture) Release() {
	if c.finished {
		return
	}
	c.finished = true
	if !c.wroteHeader {
		c.w.WriteHeader(c.status)
		return
	}
	if c.buffering {
		c.abandonBuffer()
	}
}

// Finish releases the response. Buffered JSON is wrapped in the envelope;
// streamed responses need no action.
func (c *Capture) Finish(meta envelope.Meta) {
	if c.finished {
		return
	}
	c.finished = true
	if !c.wroteHeader {
		// Upstream sent no body and no explicit header.
		c.w.WriteHeader(c.status)
		return
	}
	if !c.buffering {
		return
	}
	c.buffering = false

	env := envelope.Wrap(c.status, c.buf.Bytes(), meta)
	c.w.Header().Del("Content-Length")
	c.w.Header().Set("Content-Type", "application/json")
	c.w.WriteHeader(c.status)

	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	n, _ := c.w.Write(body)
	c.bytesOut += int64(n)
}

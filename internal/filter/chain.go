package filter

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/envelope"
	"github.com/3xpluto/svc-gateway/internal/gwerr"
	"github.com/3xpluto/svc-gateway/internal/problem"
	"github.com/3xpluto/svc-gateway/internal/reqctx"
)

// Chain executes pre filters, the upstream forward and post filters for one
// route. Chains are immutable after construction and shared across requests.
type Chain struct {
	pres     []Pre
	posts    []Post
	rewriter *envelope.Rewriter
	timeout  time.Duration
	log      *zap.Logger
}

func NewChain(rewriter *envelope.Rewriter, timeout time.Duration, log *zap.Logger, filters ...any) *Chain {
	c := &Chain{rewriter: rewriter, timeout: timeout, log: log}
	for _, f := range filters {
		if p, ok := f.(Pre); ok {
			c.pres = append(c.pres, p)
		}
		if p, ok := f.(Post); ok {
			c.posts = append(c.posts, p)
		}
	}
	sort.SliceStable(c.pres, func(i, j int) bool { return c.pres[i].Order() < c.pres[j].Order() })
	sort.SliceStable(c.posts, func(i, j int) bool { return c.posts[i].Order() > c.posts[j].Order() })
	return c
}

// Execute runs the chain. forward performs the upstream call; rc must already
// be attached to the request context.
func (c *Chain) Execute(w http.ResponseWriter, r *http.Request, forward http.Handler) {
	rc := reqctx.From(r.Context())
	ex := &Exchange{W: w, R: r, RC: rc}

	shortCircuit := c.runToForward(ex, forward)

	// Post phase runs on every exit path, including panics converted to
	// internal errors above.
	for _, p := range c.posts {
		if shortCircuit && !p.Always() {
			continue
		}
		func() {
			defer func() {
				if v := recover(); v != nil {
					c.log.Error("post filter panicked",
						zap.String("filter", p.Name()),
						zap.String("request_id", rc.RequestID),
						zap.Any("panic", v),
						zap.ByteString("stack", debug.Stack()))
				}
			}()
			p.Post(ex)
		}()
	}

	if shortCircuit {
		// A client abort short-circuits with no error to render.
		if ex.Err != nil {
			c.render(ex)
		}
	} else if ex.Capture != nil {
		if rc.ErrKind != "" {
			ex.Capture.Release()
		} else {
			ex.Capture.Finish(envelope.NewMeta(rc.RequestID, rc.Elapsed().Milliseconds()))
		}
		rc.BytesOut = ex.Capture.BytesOut()
	}

	for _, fn := range ex.deferred {
		fn()
	}
}

// runToForward executes pre filters and the forward, converting panics into
// internal errors. It reports whether the chain short-circuited.
func (c *Chain) runToForward(ex *Exchange, forward http.Handler) (shortCircuit bool) {
	rc := ex.RC

	var start time.Time
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if !start.IsZero() {
			ex.ForwardDuration = time.Since(start)
		}
		shortCircuit = true

		// ReverseProxy panics with ErrAbortHandler when the client goes away
		// mid-body; there is nobody left to render an error to.
		if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			c.log.Warn("client aborted request",
				zap.String("request_id", rc.RequestID),
				zap.String("path", ex.R.URL.Path))
			if rc.Status == 0 && ex.Capture != nil {
				rc.Status = ex.Capture.Status()
			}
			ex.runAfterForward()
			return
		}

		c.log.Error("request pipeline panicked",
			zap.String("request_id", rc.RequestID),
			zap.Any("panic", v),
			zap.ByteString("stack", debug.Stack()))
		ex.Err = gwerr.New(gwerr.KindInternal, "unexpected gateway error")
		rc.ErrKind = gwerr.KindInternal
		rc.Status = gwerr.KindInternal.Status()
		// Pre filters that admitted the call still get their verdict.
		ex.runAfterForward()
	}()

	for _, p := range c.pres {
		if err := p.Pre(ex); err != nil {
			ex.Err = err
			rc.ErrKind = err.Kind
			rc.Status = err.Kind.Status()
			ex.runAfterForward()
			return true
		}
	}

	ex.Capture = NewCapture(ex.W, c.rewriter, ex.R.URL.Path, c.log)

	ctx := ex.R.Context()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start = time.Now()
	forward.ServeHTTP(ex.Capture, ex.R.WithContext(ctx))
	ex.ForwardDuration = time.Since(start)

	if rc.Status == 0 {
		rc.Status = ex.Capture.Status()
	}
	rc.BytesOut = ex.Capture.BytesOut()

	ex.runAfterForward()
	return false
}

func envelopeMeta(ex *Exchange) envelope.Meta {
	return envelope.NewMeta(ex.RC.RequestID, ex.RC.Elapsed().Milliseconds())
}

// render writes the terminal error for a short-circuited request. Routing,
// auth and internal failures become problem details; policy outcomes become
// envelope errors.
func (c *Chain) render(ex *Exchange) {
	e := ex.Err
	rc := ex.RC
	status := e.Kind.Status()

	ex.W.Header().Set("X-Request-ID", rc.RequestID)
	if e.RetryAfter > 0 {
		ex.W.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}

	if e.Kind.Problem() {
		problem.Write(ex.W, status, e.Kind.Title(), e.Detail, rc.RequestID)
		return
	}
	env := envelope.WrapGatewayError(string(e.Kind), e.ClientMessage(), e.Details,
		envelope.NewMeta(rc.RequestID, rc.Elapsed().Milliseconds()))
	envelope.WriteJSON(ex.W, status, env)
}

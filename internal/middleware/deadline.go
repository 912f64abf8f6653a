package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/dskow/llm-gateway/internal/apierror"
)

// Deadline returns middleware that applies a global deadline to the whole
// request, upstream call included. The handler runs against a buffered
// response writer; on completion the buffer is flushed to the client, and
// if the deadline fires first the client gets a 504 while the handler
// winds down against the buffer. The two goroutines never share a writer,
// so neither path needs to lock. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next // disabled
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			buf := &bufferedResponse{header: make(http.Header)}
			done := make(chan struct{})
			panicked := make(chan any, 1)

			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(buf, r.WithContext(ctx))
				close(done)
			}()

			select {
			case p := <-panicked:
				// Re-panic on the request goroutine where the recovery
				// middleware can see it.
				panic(p)
			case <-done:
				buf.flushTo(w)
			case <-ctx.Done():
				apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "global request deadline exceeded")
				// Outer middleware reads the request once we return; wait
				// for the handler, which sees the cancelled context, to
				// let go of it.
				select {
				case <-done:
				case p := <-panicked:
					panic(p)
				}
			}
		})
	}
}

// bufferedResponse holds the handler's response until it is complete.
// Only the handler goroutine touches it while the handler runs; flushTo
// runs strictly after the done channel closes.
type bufferedResponse struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.code == 0 {
		b.code = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, vv := range b.header {
		for _, v := range vv {
			dst[k] = append(dst[k], v)
		}
	}
	if b.code == 0 {
		b.code = http.StatusOK
	}
	w.WriteHeader(b.code)
	w.Write(b.body.Bytes()) //nolint:errcheck
}

package middleware

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// BrotliConfig tunes response compression. Bodies shorter than MinLength go out as they are.
type BrotliConfig struct {
	Quality   int
	MinLength int
}

var DefaultBrotliConfig = BrotliConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// bufferedWriter holds the whole body until the handler returns so the encoding can be chosen
// from the final size. A Flush gives up on compression and streams from then on.
type bufferedWriter struct {
	gin.ResponseWriter
	body        bytes.Buffer
	passthrough bool
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	if w.passthrough {
		return w.ResponseWriter.Write(data)
	}
	return w.body.Write(data)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *bufferedWriter) Flush() {
	if !w.passthrough {
		w.passthrough = true
		if w.body.Len() > 0 {
			_, _ = w.ResponseWriter.Write(w.body.Bytes())
			w.body.Reset()
		}
	}
	w.ResponseWriter.Flush()
}

// Brotli compresses responses for clients that accept br. WebSocket upgrades and event streams
// are never wrapped.
func Brotli(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}

	return func(c *gin.Context) {
		if isStreaming(c.Request) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		bw := &bufferedWriter{ResponseWriter: c.Writer}
		c.Writer = bw
		c.Next()
		c.Writer = bw.ResponseWriter

		if bw.passthrough || bw.body.Len() == 0 {
			return
		}
		if bw.body.Len() < cfg.MinLength || bw.Header().Get("Content-Encoding") != "" {
			bw.Header().Set("Content-Length", strconv.Itoa(bw.body.Len()))
			_, _ = bw.ResponseWriter.Write(bw.body.Bytes())
			return
		}

		bw.Header().Set("Content-Encoding", "br")
		bw.Header().Del("Content-Length")
		enc := brotli.NewWriterLevel(bw.ResponseWriter, cfg.Quality)
		if _, err := enc.Write(bw.body.Bytes()); err != nil {
			_ = c.Error(err)
		}
		if err := enc.Close(); err != nil {
			_ = c.Error(err)
		}
	}
}

func isStreaming(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// requestID attaches an identifier to every request, honoring one supplied
// by the caller. Downstream log lines and the response carry it.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// timedWriter stamps the X-Process-Time header just before the first byte of
// the response goes out; after that the headers are sealed.
type timedWriter struct {
	gin.ResponseWriter
	start   time.Time
	stamped bool
}

func (w *timedWriter) stamp() {
	if !w.stamped {
		w.stamped = true
		w.Header().Set("X-Process-Time", fmt.Sprintf("%.3f", time.Since(w.start).Seconds()))
	}
}

func (w *timedWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *timedWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}

func (w *timedWriter) WriteHeaderNow() {
	w.stamp()
	w.ResponseWriter.WriteHeaderNow()
}

// requestLogger logs each request with its id, status and duration, and
// reports processing time in the X-Process-Time header. Successful health
// probes are skipped; they fire every few seconds and would dominate the log.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Writer = &timedWriter{ResponseWriter: c.Writer, start: start}
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		if c.Request.URL.Path == "/health" && status == http.StatusOK {
			return
		}

		slog.Info("request",
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", elapsed.Round(time.Millisecond),
			"remote", c.ClientIP(),
		)
	}
}

// recovery catches handler panics and converts them to a JSON 500.
func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		slog.Error("panic recovered",
			"request_id", c.GetString("request_id"),
			"path", c.Request.URL.Path,
			"error", fmt.Sprintf("%v", err),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
		})
	})
}

// corsConfig allows any origin. The service sits behind an internal gateway;
// browser callers are development tools.
func corsConfig() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowHeaders = []string{"Content-Type", "Authorization", requestIDHeader}
	cfg.MaxAge = 24 * time.Hour
	return cors.New(cfg)
}

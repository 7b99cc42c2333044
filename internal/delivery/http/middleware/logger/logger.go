package logger

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Raimguzhinov/davstore/pkg/logger"
)

func New(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		log := log.With(
			slog.String("component", "middleware/logger"),
		)

		log.Info("logger middleware enabled")

		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			t1 := time.Now()
			defer func() {
				scheme := "http"
				if r.TLS != nil {
					scheme = "https"
				}

				entry := log.With(
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
				msg := fmt.Sprintf("%s %s://%s%s - %s", r.Method, scheme, r.Host, r.RequestURI, statusColor(ww.Status()))
				attrs := []any{
					slog.Int("bytes", ww.BytesWritten()),
					slog.String("duration", time.Since(t1).String()),
				}
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					entry.Error(msg, attrs...)
				case ww.Status() >= http.StatusBadRequest:
					entry.Warn(msg, attrs...)
				default:
					entry.Info(msg, attrs...)
				}
			}()

			next.ServeHTTP(ww, r)
		}

		return http.HandlerFunc(fn)
	}
}

func statusColor(status int) string {
	var c *color.Color
	switch {
	case status < 200:
		c = color.New(color.FgBlue)
	case status < 300:
		c = color.New(color.FgGreen)
	case status < 400:
		c = color.New(color.FgCyan)
	case status < 500:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgRed)
	}
	return c.Sprintf("%03d", status)
}

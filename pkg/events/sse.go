package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// ServeSSE exposes bus as a Server-Sent-Events stream on listen, for a
// browser-based progress view: an echo.Echo with a single handler and a
// context-driven shutdown.
func ServeSSE(ctx context.Context, b *Bus, listen string) error {
	ec := echo.New()
	ec.HideBanner = true

	ec.GET("/events", func(c echo.Context) error {
		ch, unsub := b.Subscribe()
		defer unsub()

		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.Writer.(http.Flusher)
		reqCtx := c.Request().Context()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", b)
				if flusher != nil {
					flusher.Flush()
				}
			case <-reqCtx.Done():
				return nil
			}
		}
	})

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ec.Shutdown(shCtx)
	}()

	if err := ec.Start(listen); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

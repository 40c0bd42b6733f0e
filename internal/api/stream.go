package api

import (
	"io"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/victornm/quizroom/internal/errors"
)

const (
	eventSession = "session"
	eventPing    = "ping"
	eventError   = "error"
)

// streamSession pushes session snapshots as server-sent events until the client leaves or the
// feed gives up on the session, in which case a final error event is sent.
func (a *API) streamSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := a.session.GetSession(ctx, id); err != nil {
		writeError(c, err)
		return
	}

	sub := a.feed.Subscribe(ctx, id)
	defer sub.Close()

	ping := time.NewTicker(a.ping)
	defer ping.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false

		case ss, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					c.Render(-1, sse.Event{Event: eventError, Data: errors.Convert(err)})
				}
				return false
			}

			c.Render(-1, sse.Event{Event: eventSession, Data: ss})
			return true

		case t := <-ping.C:
			c.Render(-1, sse.Event{Event: eventPing, Data: t.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

// Package streamapi implements StreamEndpoint: a long-lived SSE connection
// forwarding EventBus topics to the browser.
package streamapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kira-kanban/dispatch-core/internal/eventbus"
	"github.com/kira-kanban/dispatch-core/internal/metrics"
)

const heartbeatInterval = 15 * time.Second

// Handlers bundles the EventBus the stream endpoint subscribes to.
type Handlers struct {
	bus     *eventbus.Bus
	log     zerolog.Logger
	metrics *metrics.Recorder
}

// New constructs Handlers.
func New(bus *eventbus.Bus, log zerolog.Logger) *Handlers {
	return &Handlers{bus: bus, log: log.With().Str("component", "streamapi").Logger(), metrics: metrics.NewRecorder()}
}

// Stream subscribes the caller to board:<board_id> (if board_id is given)
// and always to user:<user_id>, forwarding every published event on either
// topic as an SSE message until the client disconnects. There is no replay:
// a client that misses events while disconnected must refetch snapshot
// state from the board/task APIs.
// @Summary Subscribe to board/user events
// @Tags stream
// @Produce text/event-stream
// @Param board_id query string false "Board ID"
// @Router /events/stream [get]
func (h *Handlers) Stream(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	boardID := c.Query("board_id")

	topics := []string{"user:" + userID}
	if boardID != "" {
		topics = append(topics, "board:"+boardID)
	}

	handles := make([]eventbus.Handle, 0, len(topics))
	streams := make([]<-chan eventbus.Event, 0, len(topics))
	for _, topic := range topics {
		handle, events := h.bus.Subscribe(topic)
		handles = append(handles, handle)
		streams = append(streams, events)
		h.metrics.IncStreamConnection(topic)
	}
	defer func() {
		for i, handle := range handles {
			h.bus.Unsubscribe(handle)
			h.metrics.DecStreamConnection(topics[i])
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// The server sets a fixed WriteTimeout for ordinary handlers; a long-lived
	// stream connection must opt out of it or get cut off mid-stream.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		h.log.Debug().Err(err).Msg("could not clear write deadline for stream")
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	w := c.Writer

	fmt.Fprintf(w, ": connected\n\n")
	w.Flush()

	merged := mergeEventStreams(ctx, streams)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-merged:
			if !ok {
				return
			}
			writeStart := time.Now()
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, encodePayload(ev.Payload)); err != nil {
				h.log.Debug().Err(err).Str("user_id", userID).Str("board_id", boardID).Msg("stream write failed, client likely gone")
				return
			}
			w.Flush()
			h.metrics.RecordStreamWrite(time.Since(writeStart))
		case <-ticker.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}

// mergeEventStreams fans multiple per-topic channels into one, preserving
// per-topic FIFO order (each source channel is drained by exactly one
// forwarding goroutine) with no ordering guarantee across topics.
func mergeEventStreams(ctx context.Context, streams []<-chan eventbus.Event) <-chan eventbus.Event {
	out := make(chan eventbus.Event)
	var wg sync.WaitGroup
	wg.Add(len(streams))
	for _, s := range streams {
		go func(s <-chan eventbus.Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-s:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func encodePayload(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return "null"
	}
	return string(b)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/feed"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Subscriber is the part of the feed broker the websocket handler uses.
type Subscriber interface {
	Subscribe(bookingID string) (<-chan feed.BookingEvent, func())
}

// BookingEvents handles GET /v1/bookings/:id/events.
//
// # Description
//
// Upgrades to a websocket and streams the booking's committed changes as
// JSON feed.BookingEvent frames. The first frame is a snapshot of the booking
// read after the subscription is registered, so events that follow may repeat
// state the snapshot already shows. The server pings every pingPeriod; a client that
// stops answering is dropped after pongWait. Client frames are read only to
// notice disconnects.
//
// # Thread Safety
//
// Each connection has one writer goroutine (the handler) and one reader.
func BookingEvents(store ledger.Store, broker Subscriber, metrics *observability.PaymentMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bookingID(c)
		if !ok {
			return
		}

		// Subscribe before reading the snapshot so a commit landing between
		// the two is either in the snapshot or queued on events.
		events, cancel := broker.Subscribe(id)
		defer cancel()
		b, err := store.GetBooking(c.Request.Context(), id)
		if err != nil {
			writeError(c, "BookingEvents", err)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "booking_id", id, "error", err)
			return
		}
		defer ws.Close()

		metrics.FeedSubscribed()
		defer metrics.FeedUnsubscribed()
		slog.Info("Booking feed client connected", "booking_id", id)

		snapshot := feed.BookingEvent{
			Type:      feed.EventSnapshot,
			BookingID: id,
			Booking:   datatypes.NewBookingView(b),
			At:        datatypes.Now(),
		}
		if err := writeEvent(ws, snapshot); err != nil {
			return
		}

		closed := make(chan struct{})
		go readUntilClosed(ws, closed)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(ws, ev); err != nil {
					return
				}
			case <-ticker.C:
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				slog.Info("Booking feed client disconnected", "booking_id", id)
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, ev feed.BookingEvent) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(ev); err != nil {
		slog.Warn("Failed to write WebSocket JSON", "booking_id", ev.BookingID, "error", err)
		return err
	}
	return nil
}

// readUntilClosed drains client frames, extending the read deadline on every
// pong, and closes done when the connection fails.
func readUntilClosed(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

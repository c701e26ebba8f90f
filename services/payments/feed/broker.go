// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feed fans committed booking changes out to live subscribers
// (dashboards watching their booking's payment progress).
package feed

import (
	"sync"
	"time"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// EventType names what happened to the booking.
type EventType string

const (
	EventCreated         EventType = "booking.created"
	EventPaymentSettled  EventType = "payment.settled"
	EventPaymentFailed   EventType = "payment.failed"
	EventReceiptAttached EventType = "payment.receipt_attached"
	EventAttemptStarted  EventType = "attempt.started"
	EventAttemptExpired  EventType = "attempt.expired"
	EventBookingCanceled EventType = "booking.cancelled"
	EventManualApproval  EventType = "booking.approved"
	EventLedgerRepaired  EventType = "ledger.repaired"

	// EventSnapshot is sent once when a subscriber connects.
	EventSnapshot EventType = "booking.snapshot"
)

// BookingEvent is one committed change, carrying the booking as it is after
// the change.
type BookingEvent struct {
	Type      EventType                 `json:"type"`
	BookingID string                    `json:"booking_id"`
	Booking   datatypes.BookingView     `json:"booking"`
	Payment   *datatypes.Payment        `json:"payment,omitempty"`
	Attempt   *datatypes.PaymentAttempt `json:"attempt,omitempty"`
	At        time.Time                 `json:"at"`
}

// Publisher is what the ledger needs from the feed.
type Publisher interface {
	Publish(ev BookingEvent)
}

// Broker is an in-process pub/sub keyed by booking id.
//
// # Description
//
// Publish never blocks: each subscriber has a small buffer and events that do
// not fit are dropped for that subscriber. Subscribers that need the full
// state re-read the booking; every event carries the complete booking view.
//
// # Thread Safety
//
// Safe for concurrent use.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscription]struct{}
	buffer  int
	dropped func(bookingID string)
}

type subscription struct {
	ch   chan BookingEvent
	once sync.Once
}

// Option configures a Broker.
type Option func(*Broker)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDropHook is called whenever an event is dropped for a slow subscriber.
func WithDropHook(fn func(bookingID string)) Option {
	return func(b *Broker) { b.dropped = fn }
}

// NewBroker returns an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: 16,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers interest in one booking. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(bookingID string) (<-chan BookingEvent, func()) {
	s := &subscription{ch: make(chan BookingEvent, b.buffer)}

	b.mu.Lock()
	set, ok := b.subs[bookingID]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[bookingID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[bookingID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, bookingID)
			}
		}
		b.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}
	return s.ch, cancel
}

// Publish delivers ev to every subscriber of ev.BookingID.
func (b *Broker) Publish(ev BookingEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.BookingID] {
		select {
		case s.ch <- ev:
		default:
			if b.dropped != nil {
				b.dropped(ev.BookingID)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions for a booking.
func (b *Broker) Subscribers(bookingID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[bookingID])
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(BookingEvent) {}

var _ Publisher = (*Broker)(nil)
var _ Publisher = Discard{}

// Package queue defines the work queue contract shared by the build
// coordinator and the event reconciler. Workers are remote; this package only
// knows how commands and events look on the wire.
package queue

import (
	"context"
	"errors"
	"sync"
)

// Action selects what a worker should do with a project.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Command instructs the worker pool. Repository is only set for start.
type Command struct {
	Action     Action
	ProjectID  string
	Repository string
}

// EventKind distinguishes the two event shapes emitted by workers.
type EventKind string

const (
	EventLog    EventKind = "log"
	EventStatus EventKind = "status"
)

// ErrClosed is returned by clients used after Close.
var ErrClosed = errors.New("queue: client closed")

// Delivery is a single inbound message. Ack must be called exactly once;
// later calls are ignored.
type Delivery struct {
	Headers map[string]string
	Body    []byte

	ackOnce sync.Once
	ack     func() error
	ackErr  error
}

// NewDelivery wraps a message with the function acknowledging it upstream.
func NewDelivery(headers map[string]string, body []byte, ack func() error) *Delivery {
	return &Delivery{Headers: headers, Body: body, ack: ack}
}

// Ack acknowledges the message.
func (d *Delivery) Ack() error {
	d.ackOnce.Do(func() {
		if d.ack != nil {
			d.ackErr = d.ack()
		}
	})
	return d.ackErr
}

// Publisher sends commands to the worker pool.
type Publisher interface {
	PublishCommand(ctx context.Context, cmd Command) error
}

// Consumer streams worker events. The returned channel is closed when the
// underlying subscription ends; callers subscribe again to resume.
type Consumer interface {
	ConsumeEvents(ctx context.Context) (<-chan *Delivery, error)
}

// Client is a connected queue transport.
type Client interface {
	Publisher
	Consumer
	Ping(ctx context.Context) error
	Close() error
}

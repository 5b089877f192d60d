// Package queue defines the at-least-once transport that carries job
// messages from the coordinator to workers.
//
// The transport is only a hint: the job store decides who runs what. A message
// may be delivered twice, late, or not at all, and workers must claim the job
// in the store before acting on it.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoMessage is returned by Receive when nothing arrived within the wait.
	ErrNoMessage = errors.New("queue: no message")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// Message identifies one job attempt to run.
type Message struct {
	JobID        uuid.UUID         `json:"job_id"`
	ExecutionID  uuid.UUID         `json:"execution_id"`
	TestCaseID   string            `json:"test_case_id"`
	Attempt      int               `json:"attempt"`
	VisibleAfter time.Time         `json:"visible_after"`
	Trace        map[string]string `json:"trace,omitempty"`
}

// Delivery is a received message that must be acknowledged once handled.
type Delivery struct {
	Message Message
	ack     func(ctx context.Context) error
}

// Ack removes the message from the transport. Unacked messages are redelivered.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Transport publishes and receives job messages.
type Transport interface {
	// Publish enqueues msg. It becomes receivable at msg.VisibleAfter.
	Publish(ctx context.Context, msg Message) error

	// Receive waits up to wait for a message. Returns ErrNoMessage on timeout.
	Receive(ctx context.Context, wait time.Duration) (*Delivery, error)

	Close() error
}

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/wolfeidau/pwa-cache/fetch"
)

// ErrUnknownEvent is returned by Dispatch for an event kind with no handler.
var ErrUnknownEvent = errors.New("no handler for event")

// EventKind identifies a lifecycle or interception event.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
)

// Event is dispatched to the worker's handler for its kind.
type Event interface {
	Kind() EventKind
}

// Handler settles one event. A nil error means the event completed.
type Handler func(ctx context.Context, ev Event) error

// InstallEvent precaches the manifest. Report is filled in by the handler.
type InstallEvent struct {
	Report InstallReport
}

// Kind implements Event.
func (*InstallEvent) Kind() EventKind { return EventInstall }

// ActivateEvent garbage-collects stale namespaces and claims clients.
type ActivateEvent struct {
	Report ActivateReport
}

// Kind implements Event.
func (*ActivateEvent) Kind() EventKind { return EventActivate }

// MessageEvent carries a control-channel message.
type MessageEvent struct {
	Message Message
}

// Kind implements Event.
func (*MessageEvent) Kind() EventKind { return EventMessage }

// FetchEvent is an intercepted request. The handler either responds or
// leaves the request to the host's default fetch.
type FetchEvent struct {
	Request  *fetch.Request
	Strategy Strategy

	mu        sync.Mutex
	response  *fetch.Response
	responded bool
}

// NewFetchEvent creates a fetch event for req.
func NewFetchEvent(req *fetch.Request) *FetchEvent {
	return &FetchEvent{Request: req}
}

// Kind implements Event.
func (*FetchEvent) Kind() EventKind { return EventFetch }

// RespondWith sets the response. Only the first call takes effect.
func (e *FetchEvent) RespondWith(resp *fetch.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		return
	}
	e.response = resp
	e.responded = true
}

// Response returns the response and whether the handler responded at all.
func (e *FetchEvent) Response() (*fetch.Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response, e.responded
}

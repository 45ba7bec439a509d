package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the concrete event variant on the wire.
type Kind string

const (
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
	KindForked  Kind = "forked"
	KindChat    Kind = "chat"
)

// Class is the subscription flag an event is gated by. Followers subscribe
// per document to one or more classes; chat events require the chat flag,
// every other event requires the update flag.
type Class string

const (
	ClassUpdate Class = "update"
	ClassChat   Class = "chat"
)

// ParseClass validates a raw flag value.
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case ClassUpdate, ClassChat:
		return Class(s), nil
	}
	return "", fmt.Errorf("unknown event class %q", s)
}

// Commit carries the document-store metadata attached to version events.
type Commit struct {
	Document string    `json:"document"`
	Account  string    `json:"account,omitempty"`
	Message  string    `json:"message,omitempty"`
	Previous string    `json:"previous,omitempty"`
	Time     time.Time `json:"time,omitempty"`
}

// Event is the tagged union of things followers can be notified about.
//
// OriginatingAccount returns the acting account when one is known; the
// dispatcher uses it to suppress self-notification.
type Event interface {
	Kind() Kind
	Class() Class
	Document() string
	OriginatingAccount() (string, bool)
}

// Updated signals a new version of a document.
type Updated struct {
	Commit Commit `json:"commit"`
}

func (e Updated) Kind() Kind       { return KindUpdated }
func (e Updated) Class() Class     { return ClassUpdate }
func (e Updated) Document() string { return e.Commit.Document }
func (e Updated) OriginatingAccount() (string, bool) {
	return e.Commit.Account, e.Commit.Account != ""
}

// Deleted signals a document was removed.
type Deleted struct {
	Commit Commit `json:"commit"`
}

func (e Deleted) Kind() Kind       { return KindDeleted }
func (e Deleted) Class() Class     { return ClassUpdate }
func (e Deleted) Document() string { return e.Commit.Document }
func (e Deleted) OriginatingAccount() (string, bool) {
	return e.Commit.Account, e.Commit.Account != ""
}

// Forked signals a document was copied into a new one. Document() is the
// forked-from document, so its followers are the ones notified.
type Forked struct {
	Commit Commit `json:"commit"`
	Target string `json:"target"`
}

func (e Forked) Kind() Kind       { return KindForked }
func (e Forked) Class() Class     { return ClassUpdate }
func (e Forked) Document() string { return e.Commit.Document }
func (e Forked) OriginatingAccount() (string, bool) {
	return e.Commit.Account, e.Commit.Account != ""
}

// Chat signals a chat message posted on a document.
type Chat struct {
	Doc     string    `json:"document"`
	Account string    `json:"account,omitempty"`
	Author  string    `json:"author,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time,omitempty"`
}

func (e Chat) Kind() Kind       { return KindChat }
func (e Chat) Class() Class     { return ClassChat }
func (e Chat) Document() string { return e.Doc }
func (e Chat) OriginatingAccount() (string, bool) {
	return e.Account, e.Account != ""
}

// Encode serializes an event variant for queueing.
func Encode(ev Event) (Kind, json.RawMessage, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s event: %w", ev.Kind(), err)
	}
	return ev.Kind(), b, nil
}

// Decode reverses Encode.
func Decode(kind Kind, data json.RawMessage) (Event, error) {
	var err error
	switch kind {
	case KindUpdated:
		var e Updated
		err = json.Unmarshal(data, &e)
		return e, wrapDecode(kind, err)
	case KindDeleted:
		var e Deleted
		err = json.Unmarshal(data, &e)
		return e, wrapDecode(kind, err)
	case KindForked:
		var e Forked
		err = json.Unmarshal(data, &e)
		return e, wrapDecode(kind, err)
	case KindChat:
		var e Chat
		err = json.Unmarshal(data, &e)
		return e, wrapDecode(kind, err)
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}

func wrapDecode(kind Kind, err error) error {
	if err != nil {
		return fmt.Errorf("decode %s event: %w", kind, err)
	}
	return nil
}

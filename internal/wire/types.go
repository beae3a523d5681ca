// Package wire implements the length-framed JSON wire protocol: the
// Message envelope, its Request/Response/Notification payloads, and
// the codec that turns bytes into decoded messages and back.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/realminspector/agent/internal/value"
)

// RequestKind is the closed enumeration of request types the server
// understands. An unrecognized kind is a decode error, not a silent
// fallback to ping.
type RequestKind string

const (
	KindPing                  RequestKind = "ping"
	KindGetRealmInfo          RequestKind = "getRealmInfo"
	KindListSchemas           RequestKind = "listSchemas"
	KindGetSchema             RequestKind = "getSchema"
	KindQueryDocuments        RequestKind = "queryDocuments"
	KindGetDocument           RequestKind = "getDocument"
	KindCountDocuments        RequestKind = "countDocuments"
	KindCreateDocument        RequestKind = "createDocument"
	KindUpdateDocument        RequestKind = "updateDocument"
	KindDeleteDocument        RequestKind = "deleteDocument"
	KindDeleteAllInCollection RequestKind = "deleteAllInCollection"
	KindDeleteAllInDatabase   RequestKind = "deleteAllInDatabase"
	KindSubscribe             RequestKind = "subscribe"
	KindUnsubscribe           RequestKind = "unsubscribe"
)

var validKinds = map[RequestKind]bool{
	KindPing: true, KindGetRealmInfo: true, KindListSchemas: true,
	KindGetSchema: true, KindQueryDocuments: true, KindGetDocument: true,
	KindCountDocuments: true, KindCreateDocument: true, KindUpdateDocument: true,
	KindDeleteDocument: true, KindDeleteAllInCollection: true,
	KindDeleteAllInDatabase: true, KindSubscribe: true, KindUnsubscribe: true,
}

// Request is a client-issued command. Params is optional; dispatcher
// and subscription manager validate required keys themselves.
type Request struct {
	ID     string                  `json:"id"`
	Type   RequestKind             `json:"type"`
	Params map[string]value.Value  `json:"params,omitempty"`
}

// Response answers exactly one Request, echoing its ID. Exactly one of
// Data/Error carries meaning, gated by Success.
type Response struct {
	ID        string       `json:"id"`
	Success   bool         `json:"success"`
	Data      *value.Value `json:"data"`
	Error     *string      `json:"error"`
	Timestamp time.Time    `json:"timestamp"`
}

// ChangeSet is the diff delivered by a Notification. Insertions and
// Modifications carry fully serialized documents at their new state;
// Deletions carries stable identifiers, or — when the adapter can't
// recover a deleted row's key — its pre-delete ordinal index rendered
// as a decimal string. This fallback is a documented, deliberate wire
// compatibility decision, not a bug: see the adapter package.
type ChangeSet struct {
	Insertions    []value.Value `json:"insertions"`
	Modifications []value.Value `json:"modifications"`
	Deletions     []string      `json:"deletions"`
}

func (c ChangeSet) IsEmpty() bool {
	return len(c.Insertions) == 0 && len(c.Modifications) == 0 && len(c.Deletions) == 0
}

// Notification reports a subscription's change-set to its owning
// client. It never replaces a Response and is never sent before the
// Response that created its SubscriptionID.
type Notification struct {
	SubscriptionID string    `json:"subscriptionId"`
	TypeName       string    `json:"typeName"`
	Changes        ChangeSet `json:"changes"`
	Timestamp      time.Time `json:"timestamp"`
}

// envelopeKind is the outer Message discriminator.
type envelopeKind string

const (
	envelopeRequest      envelopeKind = "request"
	envelopeResponse     envelopeKind = "response"
	envelopeNotification envelopeKind = "notification"
)

// Message is the tagged union wrapping exactly one of Request,
// Response, or Notification, as decoded off (or to be encoded onto)
// the wire.
type Message struct {
	Request      *Request
	Response     *Response
	Notification *Notification
}

func RequestMessage(r Request) Message           { return Message{Request: &r} }
func ResponseMessage(r Response) Message          { return Message{Response: &r} }
func NotificationMessage(n Notification) Message { return Message{Notification: &n} }

// truncated returns a copy of m with every embedded value.Value bounded
// by maxDepth/maxListItems (see value.Value.Truncate), applied just
// before a Message is marshaled onto the wire.
func (m Message) truncated(maxDepth, maxListItems int) Message {
	switch {
	case m.Request != nil:
		r := *m.Request
		if len(r.Params) > 0 {
			params := make(map[string]value.Value, len(r.Params))
			for k, v := range r.Params {
				params[k] = v.Truncate(maxDepth, maxListItems)
			}
			r.Params = params
		}
		return Message{Request: &r}
	case m.Response != nil:
		resp := *m.Response
		if resp.Data != nil {
			truncated := resp.Data.Truncate(maxDepth, maxListItems)
			resp.Data = &truncated
		}
		return Message{Response: &resp}
	case m.Notification != nil:
		n := *m.Notification
		n.Changes = ChangeSet{
			Insertions:    truncateValues(n.Changes.Insertions, maxDepth, maxListItems),
			Modifications: truncateValues(n.Changes.Modifications, maxDepth, maxListItems),
			Deletions:     n.Changes.Deletions,
		}
		return Message{Notification: &n}
	default:
		return m
	}
}

func truncateValues(items []value.Value, maxDepth, maxListItems int) []value.Value {
	if len(items) == 0 {
		return items
	}
	out := make([]value.Value, len(items))
	for i, v := range items {
		out[i] = v.Truncate(maxDepth, maxListItems)
	}
	return out
}

type rawEnvelope struct {
	Payload json.RawMessage `json:"payload"`
	Type    envelopeKind    `json:"type"`
}

// MarshalJSON encodes the envelope for deterministic output: struct
// field order controls key order, so "payload" always precedes "type".
func (m Message) MarshalJSON() ([]byte, error) {
	var kind envelopeKind
	var payload any

	switch {
	case m.Request != nil:
		kind, payload = envelopeRequest, m.Request
	case m.Response != nil:
		kind, payload = envelopeResponse, m.Response
	case m.Notification != nil:
		kind, payload = envelopeNotification, m.Notification
	default:
		return nil, fmt.Errorf("wire: message has no payload set")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}

	return json.Marshal(rawEnvelope{Type: kind, Payload: payloadBytes})
}

// UnmarshalJSON decodes an envelope. An unrecognized "type" is a
// decode error (ErrUnknownMessageType), never silently treated as a
// request.
func (m *Message) UnmarshalJSON(b []byte) error {
	var env rawEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("wire: decode envelope: %w", err)
	}

	switch env.Type {
	case envelopeRequest:
		var r Request
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return fmt.Errorf("wire: decode request payload: %w", err)
		}
		if !validKinds[r.Type] {
			return fmt.Errorf("%w: %q", ErrUnknownRequestKind, r.Type)
		}
		*m = Message{Request: &r}
	case envelopeResponse:
		var r Response
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return fmt.Errorf("wire: decode response payload: %w", err)
		}
		*m = Message{Response: &r}
	case envelopeNotification:
		var n Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return fmt.Errorf("wire: decode notification payload: %w", err)
		}
		*m = Message{Notification: &n}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	return nil
}

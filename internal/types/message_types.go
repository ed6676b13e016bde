package types

import (
	"encoding/json"
	"errors"
)

// InboundKind tags a decoded client payload.
type InboundKind int

const (
	KindUnknown InboundKind = iota
	KindPing
	KindMessage
	KindTyping
	KindRequestUserList
)

var ErrMalformedPayload = errors.New("malformed payload")

// Inbound is the tagged variant decoded once at the boundary. Only the fields
// relevant to Kind are set.
type Inbound struct {
	Kind     InboundKind
	Type     string
	Content  string
	IsTyping bool
}

type rawInbound struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	IsTyping *bool  `json:"isTyping"`
}

// DecodeInbound never returns an error for an unrecognized type; the payload
// comes back as KindUnknown so callers can ignore it.
func DecodeInbound(data []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, errors.Join(ErrMalformedPayload, err)
	}

	in := Inbound{Type: raw.Type}
	switch raw.Type {
	case "ping":
		in.Kind = KindPing
	case "message":
		in.Kind = KindMessage
		in.Content = raw.Content
	case "typing":
		in.Kind = KindTyping
		in.IsTyping = raw.IsTyping != nil && *raw.IsTyping
	case "requestUserList":
		in.Kind = KindRequestUserList
	default:
		in.Kind = KindUnknown
	}
	return in, nil
}

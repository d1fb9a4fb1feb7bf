// Package protocol defines the typed messages exchanged between editor
// sessions and the relay. Every message is a flat JSON object carrying a
// "type" tag plus the fields required for that kind; a message missing any
// required field is rejected as a whole.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindInit          Kind = "init"
	KindJoin          Kind = "join"
	KindUsersList     Kind = "users_list"
	KindContentChange Kind = "content_change"
	KindContentUpdate Kind = "content_update"
	KindCursorMove    Kind = "cursor_move"
	KindCursorUpdate  Kind = "cursor_update"
	KindFileChange    Kind = "file_change"
	KindUserJoined    Kind = "user_joined"
	KindUserLeft      Kind = "user_left"
)

var (
	ErrUnknownKind  = errors.New("protocol: unknown message kind")
	ErrMissingField = errors.New("protocol: missing required field")
)

// Message is one decoded or to-be-encoded relay message.
type Message interface {
	Kind() Kind
}

// Inbound messages (editor → relay).

type Join struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
}

type ContentChange struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
	File     string `json:"file"`
	Content  string `json:"content"`
}

type CursorMove struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
	File     string `json:"file"`
	Position int    `json:"position"`
}

type FileChange struct {
	Type Kind   `json:"type"`
	File string `json:"file"`
}

// Outbound messages (relay → editors).

type Init struct {
	Type  Kind   `json:"type"`
	Color string `json:"color"`
}

type UserEntry struct {
	Username  string `json:"username"`
	Color     string `json:"color"`
	File      string `json:"file"`
	CursorPos int    `json:"cursor_pos"`
}

type UsersList struct {
	Type  Kind        `json:"type"`
	Users []UserEntry `json:"users"`
}

type ContentUpdate struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
	File     string `json:"file"`
	Content  string `json:"content"`
}

type CursorUpdate struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
	Position int    `json:"position"`
	Color    string `json:"color"`
	File     string `json:"file"`
}

type UserJoined struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
}

type UserLeft struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
}

func (Join) Kind() Kind          { return KindJoin }
func (ContentChange) Kind() Kind { return KindContentChange }
func (CursorMove) Kind() Kind    { return KindCursorMove }
func (FileChange) Kind() Kind    { return KindFileChange }
func (Init) Kind() Kind          { return KindInit }
func (UsersList) Kind() Kind     { return KindUsersList }
func (ContentUpdate) Kind() Kind { return KindContentUpdate }
func (CursorUpdate) Kind() Kind  { return KindCursorUpdate }
func (UserJoined) Kind() Kind    { return KindUserJoined }
func (UserLeft) Kind() Kind      { return KindUserLeft }

// raw is the superset of all inbound fields. Pointers distinguish an absent
// field from a zero value so required-field checks are exact.
type raw struct {
	Type     *string `json:"type"`
	Username *string `json:"username"`
	File     *string `json:"file"`
	Content  *string `json:"content"`
	Position *int    `json:"position"`
}

func (r *raw) require(fields ...string) error {
	for _, f := range fields {
		var ok bool
		switch f {
		case "username":
			ok = r.Username != nil
		case "file":
			ok = r.File != nil
		case "content":
			ok = r.Content != nil
		case "position":
			ok = r.Position != nil
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingField, f)
		}
	}
	return nil
}

// Decode parses an inbound message. It returns ErrUnknownKind for kinds the
// relay does not accept from editors and ErrMissingField when a required
// field is absent; in both cases no partial message is returned.
func Decode(data []byte) (Message, error) {
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	if r.Type == nil {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	switch Kind(*r.Type) {
	case KindJoin:
		if err := r.require("username"); err != nil {
			return nil, err
		}
		return Join{Type: KindJoin, Username: *r.Username}, nil
	case KindContentChange:
		if err := r.require("username", "file", "content"); err != nil {
			return nil, err
		}
		return ContentChange{Type: KindContentChange, Username: *r.Username, File: *r.File, Content: *r.Content}, nil
	case KindCursorMove:
		if err := r.require("username", "file", "position"); err != nil {
			return nil, err
		}
		return CursorMove{Type: KindCursorMove, Username: *r.Username, File: *r.File, Position: *r.Position}, nil
	case KindFileChange:
		if err := r.require("file"); err != nil {
			return nil, err
		}
		return FileChange{Type: KindFileChange, File: *r.File}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, *r.Type)
	}
}

// Marshal encodes a message for the wire, stamping its type tag.
func Marshal(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Init:
		v.Type = KindInit
		return json.Marshal(v)
	case UsersList:
		v.Type = KindUsersList
		if v.Users == nil {
			v.Users = []UserEntry{}
		}
		return json.Marshal(v)
	case ContentUpdate:
		v.Type = KindContentUpdate
		return json.Marshal(v)
	case CursorUpdate:
		v.Type = KindCursorUpdate
		return json.Marshal(v)
	case UserJoined:
		v.Type = KindUserJoined
		return json.Marshal(v)
	case UserLeft:
		v.Type = KindUserLeft
		return json.Marshal(v)
	case Join:
		v.Type = KindJoin
		return json.Marshal(v)
	case ContentChange:
		v.Type = KindContentChange
		return json.Marshal(v)
	case CursorMove:
		v.Type = KindCursorMove
		return json.Marshal(v)
	case FileChange:
		v.Type = KindFileChange
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("protocol: marshal: unsupported message %T", m)
	}
}

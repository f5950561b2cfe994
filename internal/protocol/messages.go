package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameType identifies chat bridge frame variants.
type FrameType string

const (
	TypeRequest  FrameType = "req"
	TypeResponse FrameType = "res"
	TypeEvent    FrameType = "event"
)

const (
	MethodConnect     = "connect"
	MethodSelf        = "self"
	MethodEditMessage = "edit_message"
	MethodSendMessage = "send_message"

	EventMessage = "message"
)

var ErrUnsupportedType = errors.New("unsupported frame type")

// Frame is the single envelope exchanged with the chat bridge.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	switch {
	case strings.TrimSpace(e.Message) != "" && strings.TrimSpace(e.Code) != "":
		return e.Code + ": " + e.Message
	case strings.TrimSpace(e.Message) != "":
		return e.Message
	case strings.TrimSpace(e.Code) != "":
		return e.Code
	default:
		return "chat bridge request failed"
	}
}

type ConnectParams struct {
	Session string `json:"session"`
	Client  string `json:"client"`
	Version string `json:"version,omitempty"`
}

// Identity is the account the bridge is logged in as.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
}

func (i Identity) String() string {
	if i.Username != "" {
		return fmt.Sprintf("@%s (%d)", i.Username, i.UserID)
	}
	return fmt.Sprintf("%d", i.UserID)
}

type EditMessageParams struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

type SendMessageParams struct {
	ChatID  int64  `json:"chat_id"`
	Text    string `json:"text"`
	ReplyTo int64  `json:"reply_to,omitempty"`
}

type SendMessageResult struct {
	MessageID int64 `json:"message_id"`
}

// MessageEvent is an inbound chat message pushed by the bridge.
type MessageEvent struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	SenderID  int64  `json:"sender_id,omitempty"`
	FromSelf  bool   `json:"from_self"`
	Text      string `json:"text"`
}

func NewRequest(id, method string, params any) (Frame, error) {
	payload, err := marshalPayload(params)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	return Frame{Type: TypeRequest, ID: id, Method: method, Payload: payload}, nil
}

func NewResponse(id string, result any) (Frame, error) {
	payload, err := marshalPayload(result)
	if err != nil {
		return Frame{}, fmt.Errorf("encode response: %w", err)
	}
	return Frame{Type: TypeResponse, ID: id, OK: true, Payload: payload}, nil
}

func NewErrorResponse(id, code, message string) Frame {
	return Frame{Type: TypeResponse, ID: id, Error: &FrameError{Code: code, Message: message}}
}

func NewEvent(event string, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s event: %w", event, err)
	}
	return Frame{Type: TypeEvent, Event: event, Payload: raw}, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// ParseFrame decodes and validates one bridge frame.
func ParseFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}

	switch frame.Type {
	case TypeRequest:
		if frame.ID == "" || frame.Method == "" {
			return Frame{}, errors.New("invalid req frame")
		}
	case TypeResponse:
		if frame.ID == "" {
			return Frame{}, errors.New("invalid res frame")
		}
	case TypeEvent:
		if frame.Event == "" {
			return Frame{}, errors.New("invalid event frame")
		}
	default:
		return Frame{}, ErrUnsupportedType
	}
	return frame, nil
}

// Err returns the failure carried by a response frame, if any.
func (f Frame) Err() error {
	if f.OK {
		return nil
	}
	if f.Error != nil {
		return f.Error
	}
	return &FrameError{}
}

func (f Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return errors.New("frame payload missing")
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func DecodeMessageEvent(frame Frame) (MessageEvent, error) {
	if frame.Type != TypeEvent || frame.Event != EventMessage {
		return MessageEvent{}, fmt.Errorf("frame %s/%s is not a message event", frame.Type, frame.Event)
	}
	var msg MessageEvent
	if err := frame.DecodePayload(&msg); err != nil {
		return MessageEvent{}, err
	}
	if msg.ChatID == 0 || msg.MessageID == 0 {
		return MessageEvent{}, errors.New("invalid message event")
	}
	return msg, nil
}

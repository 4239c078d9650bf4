// Package protocol defines the frames exchanged between the relay and its
// clients. Frames are encoded in the protobuf wire format.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType identifies the command or event carried by a Frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeJoinRoom
	FrameTypeSendMessage
	FrameTypePresenceSnapshot
	FrameTypeMessageDelivered
	FrameTypeSendRejected
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeJoinRoom:
		return "join_room"
	case FrameTypeSendMessage:
		return "send_message"
	case FrameTypePresenceSnapshot:
		return "presence_snapshot"
	case FrameTypeMessageDelivered:
		return "message_delivered"
	case FrameTypeSendRejected:
		return "send_rejected"
	default:
		return "unknown"
	}
}

// ErrEmptyFrame is returned when a frame has no payload for its type.
var ErrEmptyFrame = errors.New("frame payload missing")

// JoinRoom asks the relay to deliver everything addressed to RoomID.
type JoinRoom struct {
	RoomID string
}

// SendMessage asks the relay to persist and deliver Text to RecipientUserID.
type SendMessage struct {
	RecipientUserID string
	Text            string
}

// PresenceSnapshot lists every user currently online, sorted.
type PresenceSnapshot struct {
	OnlineUserIDs []string
}

// MessageDelivered is the fan-out payload of a persisted message.
type MessageDelivered struct {
	ID             string
	ConversationID string
	RoomID         string
	SenderID       string
	RecipientID    string
	Text           string
	CreatedAt      time.Time
}

// SendRejected tells the sender why a command was refused.
type SendRejected struct {
	Reason string
	Code   string
}

// Frame is a single protocol message. Exactly one payload field matching
// Type is set.
type Frame struct {
	Type FrameType

	JoinRoom         *JoinRoom
	SendMessage      *SendMessage
	PresenceSnapshot *PresenceSnapshot
	MessageDelivered *MessageDelivered
	SendRejected     *SendRejected
}

// NewJoinRoom builds a join_room command frame.
func NewJoinRoom(roomID string) Frame {
	return Frame{Type: FrameTypeJoinRoom, JoinRoom: &JoinRoom{RoomID: roomID}}
}

// NewSendMessage builds a send_message command frame.
func NewSendMessage(recipientUserID, text string) Frame {
	return Frame{
		Type:        FrameTypeSendMessage,
		SendMessage: &SendMessage{RecipientUserID: recipientUserID, Text: text},
	}
}

// NewPresenceSnapshot builds a presence_snapshot event frame.
func NewPresenceSnapshot(onlineUserIDs []string) Frame {
	return Frame{
		Type:             FrameTypePresenceSnapshot,
		PresenceSnapshot: &PresenceSnapshot{OnlineUserIDs: onlineUserIDs},
	}
}

// NewMessageDelivered builds a message_delivered event frame.
func NewMessageDelivered(m MessageDelivered) Frame {
	return Frame{Type: FrameTypeMessageDelivered, MessageDelivered: &m}
}

// NewSendRejected builds a send_rejected event frame.
func NewSendRejected(code, reason string) Frame {
	return Frame{
		Type:         FrameTypeSendRejected,
		SendRejected: &SendRejected{Reason: reason, Code: code},
	}
}

// Envelope field numbers.
const (
	fieldType    protowire.Number = 1
	fieldPayload protowire.Number = 2
)

// Encode encodes the frame into bytes using the protobuf wire format
func (f *Frame) Encode() ([]byte, error) {
	payload, err := f.encodePayload()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}

	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

// Decode decodes bytes into a frame
func (f *Frame) Decode(data []byte) error {
	*f = Frame{}

	var payload []byte
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Type = FrameType(v)
			return n, true
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			payload = v
			return n, true
		}
		return 0, false
	})
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}

	if err := f.decodePayload(payload); err != nil {
		return fmt.Errorf("failed to decode %s frame: %w", f.Type, err)
	}
	return nil
}

func (f *Frame) encodePayload() ([]byte, error) {
	switch f.Type {
	case FrameTypeJoinRoom:
		if f.JoinRoom == nil {
			return nil, ErrEmptyFrame
		}
		return appendString(nil, 1, f.JoinRoom.RoomID), nil
	case FrameTypeSendMessage:
		if f.SendMessage == nil {
			return nil, ErrEmptyFrame
		}
		b := appendString(nil, 1, f.SendMessage.RecipientUserID)
		return appendString(b, 2, f.SendMessage.Text), nil
	case FrameTypePresenceSnapshot:
		if f.PresenceSnapshot == nil {
			return nil, ErrEmptyFrame
		}
		var b []byte
		for _, id := range f.PresenceSnapshot.OnlineUserIDs {
			b = protowire.AppendTag(b, 1, protowire.BytesType)
			b = protowire.AppendString(b, id)
		}
		return b, nil
	case FrameTypeMessageDelivered:
		m := f.MessageDelivered
		if m == nil {
			return nil, ErrEmptyFrame
		}
		b := appendString(nil, 1, m.ID)
		b = appendString(b, 2, m.ConversationID)
		b = appendString(b, 3, m.RoomID)
		b = appendString(b, 4, m.SenderID)
		b = appendString(b, 5, m.RecipientID)
		b = appendString(b, 6, m.Text)
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
		return b, nil
	case FrameTypeSendRejected:
		if f.SendRejected == nil {
			return nil, ErrEmptyFrame
		}
		b := appendString(nil, 1, f.SendRejected.Reason)
		return appendString(b, 2, f.SendRejected.Code), nil
	default:
		return nil, fmt.Errorf("unknown frame type %d", int(f.Type))
	}
}

func (f *Frame) decodePayload(payload []byte) error {
	switch f.Type {
	case FrameTypeJoinRoom:
		m := &JoinRoom{}
		f.JoinRoom = m
		return walkFields(payload, stringFields(map[protowire.Number]*string{
			1: &m.RoomID,
		}))
	case FrameTypeSendMessage:
		m := &SendMessage{}
		f.SendMessage = m
		return walkFields(payload, stringFields(map[protowire.Number]*string{
			1: &m.RecipientUserID,
			2: &m.Text,
		}))
	case FrameTypePresenceSnapshot:
		m := &PresenceSnapshot{OnlineUserIDs: []string{}}
		f.PresenceSnapshot = m
		return walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
			if num != 1 || typ != protowire.BytesType {
				return 0, false
			}
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				m.OnlineUserIDs = append(m.OnlineUserIDs, v)
			}
			return n, true
		})
	case FrameTypeMessageDelivered:
		m := &MessageDelivered{}
		f.MessageDelivered = m
		text := stringFields(map[protowire.Number]*string{
			1: &m.ID,
			2: &m.ConversationID,
			3: &m.RoomID,
			4: &m.SenderID,
			5: &m.RecipientID,
			6: &m.Text,
		})
		return walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
			if num == 7 && typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				if n >= 0 {
					m.CreatedAt = time.Unix(0, int64(v)).UTC()
				}
				return n, true
			}
			return text(num, typ, b)
		})
	case FrameTypeSendRejected:
		m := &SendRejected{}
		f.SendRejected = m
		return walkFields(payload, stringFields(map[protowire.Number]*string{
			1: &m.Reason,
			2: &m.Code,
		}))
	default:
		return fmt.Errorf("unknown frame type %d", int(f.Type))
	}
}

// fieldFunc consumes the value of one field. It reports the number of bytes
// consumed (negative on a parse error) and whether the field was recognized;
// unrecognized fields are skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, bool)

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, ok := fn(num, typ, b)
		if !ok {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func stringFields(dst map[protowire.Number]*string) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		p, ok := dst[num]
		if !ok || typ != protowire.BytesType {
			return 0, false
		}
		v, n := protowire.ConsumeString(b)
		if n >= 0 {
			*p = v
		}
		return n, true
	}
}

// appendString skips empty values, matching proto3 scalar encoding.
func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Package realtime is the websocket messaging gateway.
//
// Each connection carries JSON frames of the form {"event": ..., "data": ...}.
// A connection authenticates at the handshake, joins conversation rooms,
// and exchanges chat messages with the other participant. Room occupancy
// is tracked by the presence package so that a message sent while both
// participants are in the room is stored as already read.
package realtime

import (
	"encoding/json"
	"errors"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/conversations"
	"github.com/mbd888/servicedesk/internal/negotiation"
	"github.com/mbd888/servicedesk/internal/validation"
)

// Inbound events.
const (
	EventJoinRoom    = "join_room"
	EventSendMessage = "send_message"
	EventMarkAsRead  = "mark_as_read"
	EventLeaveRoom   = "leave_room"
)

// Outbound events.
const (
	EventNewMessage         = "new_message"
	EventMessageSentSuccess = "message_sent_success"
	EventJoinError          = "join_error"
	EventMessageError       = "message_error"
	EventAuthError          = "auth_error"
	EventRoomJoined         = "room_joined"
	EventMessagesRead       = "messages_read"
	EventRoomLeft           = "room_left"
	EventError              = "error"
)

var (
	ErrNotInRoom     = apierr.WithCode(apierr.Forbidden, "not_in_room", "join the conversation before sending")
	ErrUnknownEvent  = apierr.WithCode(apierr.Validation, "unknown_event", "unknown event")
	ErrMalformed     = apierr.WithCode(apierr.Validation, "malformed_frame", "frame is not valid JSON")
	ErrMissingRoomID = apierr.New(apierr.Validation, "conversation_id is required")
	ErrOfferLink     = apierr.WithCode(apierr.Conflict, "offer_link_failed", "message was stored but the offer could not be attached")
)

// Frame is one inbound websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outFrame is one outbound websocket message.
type outFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func encode(event string, data interface{}) []byte {
	b, _ := json.Marshal(outFrame{Event: event, Data: data})
	return b
}

// RoomRequest is the payload of join_room, mark_as_read and leave_room.
type RoomRequest struct {
	ConversationID string `json:"conversation_id"`
}

// ErrorPayload is the data of every *_error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorPayload(err error) ErrorPayload {
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		return ErrorPayload{Code: string(apierr.Validation), Message: verrs.Error()}
	}
	return ErrorPayload{Code: apierr.CodeOf(err), Message: apierr.MessageOf(err)}
}

// RoomJoined is the data of room_joined.
type RoomJoined struct {
	ConversationID string `json:"conversation_id"`
	Participants   int64  `json:"participants"`
}

// RoomLeft is the data of room_left.
type RoomLeft struct {
	ConversationID string `json:"conversation_id"`
}

// MessagesRead is the data of messages_read.
type MessagesRead struct {
	ConversationID    string             `json:"conversation_id"`
	Reader            conversations.Side `json:"reader"`
	LastSeenMessageID int64              `json:"last_seen_message_id"`
}

// MessagePayload is the data of new_message and message_sent_success.
type MessagePayload struct {
	Message conversations.MessageView `json:"message"`
	Offer   *negotiation.OfferView    `json:"offer,omitempty"`
}

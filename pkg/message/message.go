// Package message defines the envelope and the closed set of message variants
// exchanged between the maintenance server and its terminal clients.
package message

import (
	"fmt"

	"github.com/kabieror/elwasys-common/pkg/errors"
)

// NoConversation marks messages sent before a conversation is established,
// and error replies to traffic whose conversation id is unknown.
const NoConversation int64 = -1

type MessageType uint8

const (
	MessageType_NONE MessageType = iota
	MessageType_ConnectionRequest
	MessageType_ConnectionResponse
	MessageType_CheckConnectionRequest
	MessageType_CheckConnectionResponse
	MessageType_GetStatusRequest
	MessageType_GetStatusResponse
	MessageType_GetLogRequest
	MessageType_GetLogResponse
	MessageType_RestartAppRequest
	MessageType_ErrorMessage
)

type Role uint8

const (
	Role_Unknown Role = iota
	Role_Request
	Role_Response
	Role_Error
)

type messageTypeInfo struct {
	name string
	role Role
	// Response variant expected for a request, MessageType_NONE if the
	// request is fire-and-forget or the variant is not a request.
	response MessageType
}

var messageTypes = map[MessageType]messageTypeInfo{
	MessageType_ConnectionRequest:       {"ConnectionRequest", Role_Request, MessageType_ConnectionResponse},
	MessageType_ConnectionResponse:      {"ConnectionResponse", Role_Response, MessageType_NONE},
	MessageType_CheckConnectionRequest:  {"CheckConnectionRequest", Role_Request, MessageType_CheckConnectionResponse},
	MessageType_CheckConnectionResponse: {"CheckConnectionResponse", Role_Response, MessageType_NONE},
	MessageType_GetStatusRequest:        {"GetStatusRequest", Role_Request, MessageType_GetStatusResponse},
	MessageType_GetStatusResponse:       {"GetStatusResponse", Role_Response, MessageType_NONE},
	MessageType_GetLogRequest:           {"GetLogRequest", Role_Request, MessageType_GetLogResponse},
	MessageType_GetLogResponse:          {"GetLogResponse", Role_Response, MessageType_NONE},
	MessageType_RestartAppRequest:       {"RestartAppRequest", Role_Request, MessageType_NONE},
	MessageType_ErrorMessage:            {"ErrorMessage", Role_Error, MessageType_NONE},
}

func (t MessageType) String() string {
	if info, ok := messageTypes[t]; ok {
		return info.name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

func (t MessageType) Role() Role {
	return messageTypes[t].role
}

// ResponseType returns the variant that answers a request of type t.
func (t MessageType) ResponseType() MessageType {
	return messageTypes[t].response
}

// ExpectsResponse is false for fire-and-forget requests and for every
// non-request variant.
func (t MessageType) ExpectsResponse() bool {
	return t.ResponseType() != MessageType_NONE
}

// Message is the envelope of every wire message. Exactly the payload field
// belonging to MessageType is set; variants without payload carry none.
type Message struct {
	ConversationId int64       `cbor:"1,keyasint"`
	MessageType    MessageType `cbor:"2,keyasint"`

	ConnectionRequest *ConnectionRequest `cbor:"3,keyasint,omitempty"`
	GetStatusResponse *GetStatusResponse `cbor:"4,keyasint,omitempty"`
	GetLogResponse    *GetLogResponse    `cbor:"5,keyasint,omitempty"`
	Error             *ErrorPayload      `cbor:"6,keyasint,omitempty"`
}

func (m *Message) Role() Role {
	return m.MessageType.Role()
}

// Answers reports whether m is a well-typed reply to req: same conversation
// and either the expected response variant or an error message.
func (m *Message) Answers(req *Message) bool {
	if m == nil || req == nil || m.ConversationId != req.ConversationId {
		return false
	}
	return m.MessageType == req.MessageType.ResponseType() || m.MessageType == MessageType_ErrorMessage
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%d]", m.MessageType, m.ConversationId)
}

// Validate checks that the variant is known and that its payload is present.
func (m *Message) Validate() error {
	if _, ok := messageTypes[m.MessageType]; !ok {
		return &errors.InvalidEnumValue{
			EnumName: "MessageType",
			IntValue: uint8(m.MessageType),
		}
	}

	switch m.MessageType {
	case MessageType_ConnectionRequest:
		if m.ConnectionRequest == nil {
			return &errors.MissingFieldError{MessageName: m.MessageType.String(), FieldName: "ConnectionRequest"}
		}
	case MessageType_GetStatusResponse:
		if m.GetStatusResponse == nil {
			return &errors.MissingFieldError{MessageName: m.MessageType.String(), FieldName: "GetStatusResponse"}
		}
	case MessageType_GetLogResponse:
		if m.GetLogResponse == nil {
			return &errors.MissingFieldError{MessageName: m.MessageType.String(), FieldName: "GetLogResponse"}
		}
	case MessageType_ErrorMessage:
		if m.Error == nil {
			return &errors.MissingFieldError{MessageName: m.MessageType.String(), FieldName: "Error"}
		}
	}
	return nil
}

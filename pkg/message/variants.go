package message

import (
	"time"

	"github.com/kabieror/elwasys-common/pkg/domain"
)

type ConnectionRequest struct {
	Location string `cbor:"location"`
}

type GetStatusResponse struct {
	InterfaceStatus       domain.InterfaceStatus `cbor:"interfaceStatus"`
	InterfaceStatusDetail string                 `cbor:"interfaceStatusDetail,omitempty"`
	BacklightStatus       domain.BacklightStatus `cbor:"backlightStatus"`
	StartupTime           time.Time              `cbor:"startupTime"`
	RunningExecutions     []domain.Execution     `cbor:"runningExecutions"`
}

type GetLogResponse struct {
	LogContent []string `cbor:"logContent"`
}

type ErrorPayload struct {
	Text string `cbor:"text"`
}

func newRequest(t MessageType) *Message {
	return &Message{
		ConversationId: NoConversation,
		MessageType:    t,
	}
}

// newResponse copies the conversation id of req; responses never get an id
// of their own.
func newResponse(req *Message, t MessageType) *Message {
	id := NoConversation
	if req != nil {
		id = req.ConversationId
	}
	return &Message{
		ConversationId: id,
		MessageType:    t,
	}
}

func NewConnectionRequest(location string) *Message {
	m := newRequest(MessageType_ConnectionRequest)
	m.ConnectionRequest = &ConnectionRequest{Location: location}
	return m
}

func NewConnectionResponse(req *Message) *Message {
	return newResponse(req, MessageType_ConnectionResponse)
}

func NewCheckConnectionRequest() *Message {
	return newRequest(MessageType_CheckConnectionRequest)
}

func NewCheckConnectionResponse(req *Message) *Message {
	return newResponse(req, MessageType_CheckConnectionResponse)
}

func NewGetStatusRequest() *Message {
	return newRequest(MessageType_GetStatusRequest)
}

func NewGetStatusResponse(req *Message, status GetStatusResponse) *Message {
	m := newResponse(req, MessageType_GetStatusResponse)
	m.GetStatusResponse = &status
	return m
}

func NewGetLogRequest() *Message {
	return newRequest(MessageType_GetLogRequest)
}

func NewGetLogResponse(req *Message, lines []string) *Message {
	m := newResponse(req, MessageType_GetLogResponse)
	m.GetLogResponse = &GetLogResponse{LogContent: lines}
	return m
}

func NewRestartAppRequest() *Message {
	return newRequest(MessageType_RestartAppRequest)
}

// NewErrorMessage builds an error that is not tied to a known conversation.
func NewErrorMessage(text string) *Message {
	m := newRequest(MessageType_ErrorMessage)
	m.Error = &ErrorPayload{Text: text}
	return m
}

// NewErrorReply builds an error carrying the conversation id of the
// offending message.
func NewErrorReply(offending *Message, text string) *Message {
	m := newResponse(offending, MessageType_ErrorMessage)
	m.Error = &ErrorPayload{Text: text}
	return m
}

// Package handlers connects the maintenance protocol to the business logic
// of a terminal: producing status snapshots, reading logs and restarting.
package handlers

import (
	"context"
	"errors"

	"github.com/kabieror/elwasys-common/pkg/message"
)

var ErrNotSupported = errors.New("request not supported by this endpoint")

// MessageHandler is invoked for every recognized inbound request. The
// protocol core builds the response envelope, so implementations only
// produce payloads. A returned error is sent back to the requester as an
// ErrorMessage.
type MessageHandler interface {
	HandleGetStatus(ctx context.Context, req *message.Message) (message.GetStatusResponse, error)
	HandleGetLog(ctx context.Context, req *message.Message) ([]string, error)
	// HandleRestartApp gets no reply channel; the requester does not wait.
	HandleRestartApp(ctx context.Context, req *message.Message)
}

// HandlerFuncs adapts plain functions to MessageHandler. Nil functions answer
// with ErrNotSupported (restart requests are ignored).
type HandlerFuncs struct {
	GetStatus  func(ctx context.Context, req *message.Message) (message.GetStatusResponse, error)
	GetLog     func(ctx context.Context, req *message.Message) ([]string, error)
	RestartApp func(ctx context.Context, req *message.Message)
}

func (h *HandlerFuncs) HandleGetStatus(ctx context.Context, req *message.Message) (message.GetStatusResponse, error) {
	if h.GetStatus == nil {
		return message.GetStatusResponse{}, ErrNotSupported
	}
	return h.GetStatus(ctx, req)
}

func (h *HandlerFuncs) HandleGetLog(ctx context.Context, req *message.Message) ([]string, error) {
	if h.GetLog == nil {
		return nil, ErrNotSupported
	}
	return h.GetLog(ctx, req)
}

func (h *HandlerFuncs) HandleRestartApp(ctx context.Context, req *message.Message) {
	if h.RestartApp != nil {
		h.RestartApp(ctx, req)
	}
}

type dispatchFunc func(ctx context.Context, h MessageHandler, req *message.Message) *message.Message

var dispatchTable = map[message.MessageType]dispatchFunc{
	message.MessageType_GetStatusRequest: func(ctx context.Context, h MessageHandler, req *message.Message) *message.Message {
		status, err := h.HandleGetStatus(ctx, req)
		if err != nil {
			return message.NewErrorReply(req, err.Error())
		}
		return message.NewGetStatusResponse(req, status)
	},
	message.MessageType_GetLogRequest: func(ctx context.Context, h MessageHandler, req *message.Message) *message.Message {
		lines, err := h.HandleGetLog(ctx, req)
		if err != nil {
			return message.NewErrorReply(req, err.Error())
		}
		return message.NewGetLogResponse(req, lines)
	},
	message.MessageType_RestartAppRequest: func(ctx context.Context, h MessageHandler, req *message.Message) *message.Message {
		h.HandleRestartApp(ctx, req)
		return nil
	},
}

// Handles reports whether t is a request variant routed to a MessageHandler.
func Handles(t message.MessageType) bool {
	_, ok := dispatchTable[t]
	return ok
}

// Dispatch calls exactly one handler method for req and returns the reply to
// transmit, or nil when the request expects none. handled is false when req
// is not a handler request or h is nil.
func Dispatch(ctx context.Context, h MessageHandler, req *message.Message) (reply *message.Message, handled bool) {
	fn, ok := dispatchTable[req.MessageType]
	if !ok || h == nil {
		return nil, false
	}
	return fn(ctx, h, req), true
}

package errors

import (
	goerrs "errors"
	"fmt"
	"time"
)

// ErrNoResponse is returned by SendQuery when no matching response arrived
// within the request timeout. The connection itself may still be usable.
var ErrNoResponse = goerrs.New("no response received within the request timeout")

// ErrConnectionClosed is returned when an operation is attempted on a
// connection that has already been shut down.
var ErrConnectionClosed = goerrs.New("maintenance connection is closed")

type HandshakeFailure struct {
	RemoteAddress string
	Reason        string
	Err           error
}

func (e *HandshakeFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Handshake with %s failed: %s: %v", e.RemoteAddress, e.Reason, e.Err)
	}
	return fmt.Sprintf("Handshake with %s failed: %s", e.RemoteAddress, e.Reason)
}

func (e *HandshakeFailure) Unwrap() error {
	return e.Err
}

type BrokenConnection struct {
	RemoteAddress string
	Err           error
}

func (e *BrokenConnection) Error() string {
	return fmt.Sprintf("Connection to %s is broken: %v", e.RemoteAddress, e.Err)
}

func (e *BrokenConnection) Unwrap() error {
	return e.Err
}

// Is lets every broken connection match ErrConnectionClosed.
func (e *BrokenConnection) Is(target error) bool {
	return target == ErrConnectionClosed
}

type InactivityTimeout struct {
	RemoteAddress string
	Timeout       time.Duration
}

func (e *InactivityTimeout) Error() string {
	return fmt.Sprintf("Connection to %s timed out due to a missing heartbeat message (no traffic for %s)", e.RemoteAddress, e.Timeout)
}

type HeartbeatFailure struct {
	RemoteAddress string
	Err           error
}

func (e *HeartbeatFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Heartbeat to %s failed: %v", e.RemoteAddress, e.Err)
	}
	return fmt.Sprintf("Heartbeat to %s failed: no suitable response was received", e.RemoteAddress)
}

func (e *HeartbeatFailure) Unwrap() error {
	return e.Err
}

// MalformedMessage is a complete wire item that could not be decoded into a
// message envelope. The stream stays aligned, so the connection survives.
type MalformedMessage struct {
	Err error
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("Malformed message: %v", e.Err)
}

func (e *MalformedMessage) Unwrap() error {
	return e.Err
}

type UnexpectedMessage struct {
	Expected string
	Actual   string
}

func (e *UnexpectedMessage) Error() string {
	return fmt.Sprintf("Received message of type %s instead of %s", e.Actual, e.Expected)
}

type UnknownLocation struct {
	Location string
}

func (e *UnknownLocation) Error() string {
	return fmt.Sprintf("No live maintenance connection for location '%s'", e.Location)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

// IsRecoverable reports whether err describes a protocol anomaly that is
// answered in-band instead of ending the connection.
func IsRecoverable(err error) bool {
	var malformed *MalformedMessage
	return goerrs.As(err, &malformed)
}

// ConnectionTakenOver is the close cause of a connection whose location was
// claimed by a newer handshake.
type ConnectionTakenOver struct {
	Location      string
	RemoteAddress string
}

func (e *ConnectionTakenOver) Error() string {
	return fmt.Sprintf("Location '%s' was taken over by %s", e.Location, e.RemoteAddress)
}

func (e *ConnectionTakenOver) Is(target error) bool {
	return target == ErrConnectionClosed
}

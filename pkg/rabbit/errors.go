package rabbit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Common errors returned by the connection manager, publisher and consumer.
// Errors coming from the broker or the network are translated into one of
// these by TranslateError; use errors.Is to test for them.
var (
	// ErrConnectionFailed is returned when a broker connection cannot be established
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionLost is returned when an established connection drops
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed is returned when the broker closed the connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrChannelClosed is returned when the channel used for an operation is closed
	ErrChannelClosed = errors.New("channel closed")

	// ErrNotConnected is returned by AcquireChannel outside of the connected state
	ErrNotConnected = errors.New("not connected")

	// ErrAccessDenied is returned when the broker refuses credentials or permissions
	ErrAccessDenied = errors.New("access denied")

	// ErrVirtualHostNotFound is returned when the configured vhost does not exist
	ErrVirtualHostNotFound = errors.New("virtual host not found")

	// ErrResourceLocked is returned when an exclusive resource is held elsewhere
	ErrResourceLocked = errors.New("resource locked")

	// ErrPreconditionFailed is returned when a redeclaration does not match
	// the existing exchange or queue
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNotFound is returned when an exchange or queue does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for invalid caller input
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProtocolError is returned for AMQP framing and command errors
	ErrProtocolError = errors.New("protocol error")

	// ErrInternalError is returned when the broker reports an internal error
	ErrInternalError = errors.New("internal error")

	// ErrTimeout is returned when an operation exceeds its deadline
	ErrTimeout = errors.New("timeout")

	// ErrNetworkError is returned for transport level failures
	ErrNetworkError = errors.New("network error")

	// ErrTLSError is returned for TLS setup or handshake failures
	ErrTLSError = errors.New("TLS error")

	// ErrMessageTooLarge is returned when a message exceeds the frame limit
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidMessage is returned when a payload cannot be encoded or decoded
	ErrInvalidMessage = errors.New("invalid message")

	// ErrMessageNacked is returned when the broker negatively confirms a publish
	ErrMessageNacked = errors.New("message nacked")

	// ErrPublishFailed is returned when a send fails
	ErrPublishFailed = errors.New("publish failed")

	// ErrConsumeFailed is returned when a consumer cannot be registered
	ErrConsumeFailed = errors.New("consume failed")

	// ErrQoSFailed is returned when the prefetch limit cannot be applied
	ErrQoSFailed = errors.New("QoS failed")

	// ErrDeclareFailed is returned when an exchange or queue declaration fails
	ErrDeclareFailed = errors.New("declare failed")

	// ErrBindFailed is returned when a queue binding fails
	ErrBindFailed = errors.New("bind failed")

	// ErrAlreadySettled is returned when a delivery is acked or nacked twice
	ErrAlreadySettled = errors.New("delivery already settled")

	// ErrProcessingFailed wraps handler failures
	ErrProcessingFailed = errors.New("processing failed")

	// ErrHandlerTimeout is returned when a handler exceeds HandlerTimeout
	ErrHandlerTimeout = errors.New("handler timeout")

	// ErrHandlerExists is returned when a routing key is registered twice
	ErrHandlerExists = errors.New("handler already registered")

	// ErrRegistryFrozen is returned when registering after the consumer started
	ErrRegistryFrozen = errors.New("handler registry is frozen")

	// ErrShutdown is returned once GracefulShutdown has been called
	ErrShutdown = errors.New("shutdown")
)

// TranslateError maps errors from amqp091-go, the network stack and the
// context package onto the sentinel errors above. The original error text
// is kept in the message. Errors that are already sentinels, or that match
// nothing, are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return wrap(translateAMQPError(amqpErr), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return wrap(ErrTimeout, err)
		}
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		return wrap(translateSyscallError(syscallErr), err)
	}

	if netErr != nil {
		return wrap(ErrNetworkError, err)
	}

	return translateByErrorMessage(err)
}

func wrap(sentinel, err error) error {
	if sentinel == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, err.Error())
}

func translateAMQPError(amqpErr *amqp.Error) error {
	switch amqpErr.Code {
	case amqp.ConnectionForced:
		return ErrConnectionClosed
	case amqp.InvalidPath:
		return ErrVirtualHostNotFound
	case amqp.AccessRefused:
		return ErrAccessDenied
	case amqp.NotFound:
		return ErrNotFound
	case amqp.ResourceLocked:
		return ErrResourceLocked
	case amqp.PreconditionFailed:
		return ErrPreconditionFailed
	case amqp.ContentTooLarge:
		return ErrMessageTooLarge
	case amqp.NoRoute, amqp.NoConsumers:
		return ErrPublishFailed
	case amqp.ChannelError:
		return ErrChannelClosed
	case amqp.FrameError, amqp.SyntaxError, amqp.CommandInvalid, amqp.UnexpectedFrame, amqp.NotImplemented, amqp.NotAllowed:
		return ErrProtocolError
	case amqp.InternalError, amqp.ResourceError:
		return ErrInternalError
	}

	if amqpErr.Server {
		return ErrConnectionClosed
	}
	return ErrConnectionLost
}

func translateSyscallError(syscallErr syscall.Errno) error {
	switch syscallErr {
	case syscall.ECONNREFUSED:
		return ErrConnectionFailed
	case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ENOTCONN:
		return ErrConnectionLost
	case syscall.ETIMEDOUT:
		return ErrTimeout
	case syscall.EACCES, syscall.EPERM:
		return ErrAccessDenied
	default:
		return ErrNetworkError
	}
}

func translateByErrorMessage(err error) error {
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "connection refused"):
		return wrap(ErrConnectionFailed, err)
	case strings.Contains(errMsg, "connection reset"), strings.Contains(errMsg, "broken pipe"):
		return wrap(ErrConnectionLost, err)
	case strings.Contains(errMsg, "no such host"), strings.Contains(errMsg, "network is unreachable"):
		return wrap(ErrNetworkError, err)
	case strings.Contains(errMsg, "tls"), strings.Contains(errMsg, "x509"), strings.Contains(errMsg, "certificate"):
		return wrap(ErrTLSError, err)
	case strings.Contains(errMsg, "username or password not allowed"), strings.Contains(errMsg, "access refused"):
		return wrap(ErrAccessDenied, err)
	default:
		return err
	}
}

// IsConnectionError reports whether err means the connection or one of its
// channels is unusable and the connection manager should reconnect.
func IsConnectionError(err error) bool {
	err = TranslateError(err)
	switch {
	case errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrNetworkError):
		return true
	default:
		return false
	}
}

// IsPermanentError reports whether err will not go away by retrying.
func IsPermanentError(err error) bool {
	err = TranslateError(err)
	switch {
	case errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrVirtualHostNotFound),
		errors.Is(err, ErrPreconditionFailed),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrProtocolError),
		errors.Is(err, ErrShutdown):
		return true
	default:
		return false
	}
}

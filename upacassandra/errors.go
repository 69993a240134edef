package upacassandra

import (
	"context"
	"fmt"
	"net"

	"github.com/gocql/gocql"
	"github.com/lemmego/upa"
	"github.com/pkg/errors"
)

// convertCassandraError maps gocql failures onto upa error types.
func convertCassandraError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := upa.AsError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, gocql.ErrNotFound):
		return upa.NewErrorWithCause(upa.ErrorTypeNotFound, "row not found", err)
	case errors.Is(err, gocql.ErrNoConnections),
		errors.Is(err, gocql.ErrSessionClosed),
		errors.Is(err, gocql.ErrConnectionClosed),
		errors.Is(err, gocql.ErrNoStreams),
		errors.Is(err, gocql.ErrTooManyTimeouts),
		errors.Is(err, gocql.ErrUnavailable):
		return transient(upa.ErrorTypeConnection, "cassandra connection failed", err)
	case errors.Is(err, gocql.ErrTimeoutNoResponse), errors.Is(err, context.DeadlineExceeded):
		return transient(upa.ErrorTypeTimeout, "cassandra request timed out", err)
	case errors.Is(err, gocql.ErrTooManyStmts), errors.Is(err, gocql.ErrUseStmt):
		return upa.NewErrorWithCause(upa.ErrorTypeInvalidArgument, "invalid batch statement", err)
	}

	var (
		readTimeout  *gocql.RequestErrReadTimeout
		writeTimeout *gocql.RequestErrWriteTimeout
		unavailable  *gocql.RequestErrUnavailable
		exists       *gocql.RequestErrAlreadyExists
		readFailure  *gocql.RequestErrReadFailure
		writeFailure *gocql.RequestErrWriteFailure
		reqErr       gocql.RequestError
		netErr       net.Error
	)
	switch {
	case errors.As(err, &readTimeout), errors.As(err, &writeTimeout):
		return withCode(transient(upa.ErrorTypeTimeout, "cassandra replicas timed out", err), err)
	case errors.As(err, &unavailable):
		return withCode(transient(upa.ErrorTypeConnection, "not enough cassandra replicas available", err), err)
	case errors.As(err, &exists):
		return withCode(upa.NewErrorWithCause(upa.ErrorTypeBackend, "cassandra object already exists", err), err)
	case errors.As(err, &readFailure), errors.As(err, &writeFailure):
		return withCode(upa.NewErrorWithCause(upa.ErrorTypeBackend, "cassandra replica failure", err), err)
	case errors.As(err, &reqErr):
		return withCode(upa.NewErrorWithCause(upa.ErrorTypeBackend, reqErr.Message(), err), err)
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return transient(upa.ErrorTypeTimeout, "cassandra network timeout", err)
		}
		return transient(upa.ErrorTypeConnection, "cassandra network error", err)
	}
	return upa.NewErrorWithCause(upa.ErrorTypeBackend, "cassandra request failed", err)
}

func transient(t upa.ErrorType, msg string, cause error) upa.Error {
	e := upa.NewErrorWithCause(t, msg, cause)
	e.Transient = true
	return e
}

// withCode records the native protocol error code, e.g. "0x1200" for a
// read timeout.
func withCode(e upa.Error, cause error) upa.Error {
	var reqErr gocql.RequestError
	if errors.As(cause, &reqErr) {
		e.Code = codeString(reqErr.Code())
	}
	return e
}

func codeString(code int) string {
	return fmt.Sprintf("0x%04x", code)
}

package upamongo

import (
	"errors"
	"strconv"

	"github.com/lemmego/upa"
	"go.mongodb.org/mongo-driver/mongo"
)

// =====================================
// Error Conversion
// =====================================

const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeNamespaceExists      = 48
	codeTransactionTooOld    = 244
	codeNoSuchTransaction    = 251
)

// convertMongoError maps driver errors onto the upa error taxonomy.
func convertMongoError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := upa.AsError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return upa.NewErrorWithCause(upa.ErrorTypeNotFound, "document not found", err)
	case errors.Is(err, mongo.ErrClientDisconnected):
		return upa.NewErrorWithCause(upa.ErrorTypeConnection, "client is disconnected", err)
	case mongo.IsDuplicateKeyError(err):
		return upa.Error{Type: upa.ErrorTypeDuplicate, Message: "duplicate key violation", Cause: err, Code: "11000"}
	case mongo.IsTimeout(err):
		return upa.Error{Type: upa.ErrorTypeTimeout, Message: "operation timeout", Cause: err, Transient: true}
	case mongo.IsNetworkError(err):
		return upa.Error{Type: upa.ErrorTypeConnection, Message: "network error", Cause: err, Transient: true}
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		code := strconv.Itoa(int(cmdErr.Code))
		switch cmdErr.Code {
		case codeUnauthorized:
			return upa.Error{Type: upa.ErrorTypeConnection, Message: "unauthorized access", Cause: err, Code: code}
		case codeAuthenticationFailed:
			return upa.Error{Type: upa.ErrorTypeConnection, Message: "authentication failed", Cause: err, Code: code}
		case codeNoSuchTransaction, codeTransactionTooOld:
			return upa.Error{Type: upa.ErrorTypeTransaction, Message: cmdErr.Message, Cause: err, Code: code}
		}
		if cmdErr.HasErrorLabel("TransientTransactionError") {
			return upa.Error{Type: upa.ErrorTypeTransaction, Message: cmdErr.Message, Cause: err, Code: code, Transient: true}
		}
		return upa.Error{Type: upa.ErrorTypeBackend, Message: cmdErr.Message, Cause: err, Code: code}
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorLabel("TransientTransactionError") {
		return upa.Error{Type: upa.ErrorTypeTransaction, Message: "transient transaction error", Cause: err, Transient: true}
	}
	return upa.NewErrorWithCause(upa.ErrorTypeBackend, "mongo operation failed", err)
}

// namespaceExists reports a create of a collection that is already there.
func namespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == codeNamespaceExists
}

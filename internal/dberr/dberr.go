// Package dberr is the engine's wire error taxonomy: every error that can
// cross the command boundary carries one of these codes, matching the wire
// protocol's numeric error-code table.
package dberr

import "fmt"

// Error is a structured, wire-reportable error: a numeric code, its MongoDB
// wire-compatible code name, a human message, and an optional wrapped cause.
type Error struct {
	Code     int
	CodeName string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.CodeName, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.CodeName, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(code int, codeName, message string, err error) *Error {
	return &Error{Code: code, CodeName: codeName, Message: message, Err: err}
}

// Well-known wire error codes.
const (
	CodeInternalError          = 1
	CodeBadValue                = 2
	CodeFailedToParse           = 9
	CodeIllegalOperation        = 20
	CodeNamespaceNotFound       = 26
	CodeIndexNotFound           = 27
	CodeCursorNotFound          = 43
	CodeCannotCreateIndex       = 67
	CodeInvalidNamespace        = 73
	CodeOperationFailed         = 96
	CodeNoSuchSession           = 206
	CodeTransactionTooOld       = 225
	CodeNoSuchTransaction       = 251
	CodeTransactionCommitted    = 256
	CodeTransactionAborted      = 263
	CodeDuplicateKey            = 11000
	CodeDocumentTooLarge        = 17419
	CodeNoSuchDocument          = 28
)

func InternalError(msg string, err error) *Error {
	return newErr(CodeInternalError, "InternalError", msg, err)
}

func BadValue(msg string) *Error {
	return newErr(CodeBadValue, "BadValue", msg, nil)
}

func FailedToParse(msg string) *Error {
	return newErr(CodeFailedToParse, "FailedToParse", msg, nil)
}

func IllegalOperation(msg string) *Error {
	return newErr(CodeIllegalOperation, "IllegalOperation", msg, nil)
}

func NamespaceNotFound(ns string) *Error {
	return newErr(CodeNamespaceNotFound, "NamespaceNotFound", fmt.Sprintf("namespace %s not found", ns), nil)
}

func IndexNotFound(name string) *Error {
	return newErr(CodeIndexNotFound, "IndexNotFound", fmt.Sprintf("index %s not found", name), nil)
}

func CursorNotFound(id int64) *Error {
	return newErr(CodeCursorNotFound, "CursorNotFound", fmt.Sprintf("cursor id %d not found", id), nil)
}

func CannotCreateIndex(msg string) *Error {
	return newErr(CodeCannotCreateIndex, "CannotCreateIndex", msg, nil)
}

func InvalidNamespace(ns string) *Error {
	return newErr(CodeInvalidNamespace, "InvalidNamespace", fmt.Sprintf("invalid namespace %s", ns), nil)
}

func OperationFailed(msg string, err error) *Error {
	return newErr(CodeOperationFailed, "OperationFailed", msg, err)
}

func NoSuchSession(lsid string) *Error {
	return newErr(CodeNoSuchSession, "NoSuchSession", fmt.Sprintf("no such session %s", lsid), nil)
}

func TransactionTooOld(msg string) *Error {
	return newErr(CodeTransactionTooOld, "TransactionTooOld", msg, nil)
}

func NoSuchTransaction(msg string) *Error {
	return newErr(CodeNoSuchTransaction, "NoSuchTransaction", msg, nil)
}

func TransactionCommitted(msg string) *Error {
	return newErr(CodeTransactionCommitted, "TransactionCommitted", msg, nil)
}

func TransactionAborted(msg string) *Error {
	return newErr(CodeTransactionAborted, "TransactionAborted", msg, nil)
}

func DuplicateKey(ns string, key interface{}) *Error {
	return newErr(CodeDuplicateKey, "DuplicateKey", fmt.Sprintf("duplicate key error collection: %s key: %v", ns, key), nil)
}

func DocumentTooLarge() *Error {
	return newErr(CodeDocumentTooLarge, "DocumentTooLarge", "document exceeds maximum allowed size", nil)
}

func DocumentNotFound(id string) *Error {
	return newErr(CodeNoSuchDocument, "NoSuchDocument", fmt.Sprintf("document %s not found", id), nil)
}

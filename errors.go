package jsondb

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies failures reported to callers.
type ErrorCode int

const (
	NoError ErrorCode = iota
	InvalidRequest
	OperationNotPermitted
	InvalidPartition
	DatabaseConnectionError
	PartitionUnavailable
	MissingObject
	DatabaseError
	MissingUUID
	MissingType
	MissingQuery
	InvalidLimit
	InvalidOffset
	MismatchedNotifyID
	InvalidActions
	UpdatingStaleVersion
	InvalidType
	InvalidMessage
	QuotaExceeded
	FailedSchemaValidation
	InvalidMap
	InvalidReduce
	InvalidSchemaOperation
	InvalidIndexOperation
)

var errorCodeNames = [...]string{
	NoError:                 "NoError",
	InvalidRequest:          "InvalidRequest",
	OperationNotPermitted:   "OperationNotPermitted",
	InvalidPartition:        "InvalidPartition",
	DatabaseConnectionError: "DatabaseConnectionError",
	PartitionUnavailable:    "PartitionUnavailable",
	MissingObject:           "MissingObject",
	DatabaseError:           "DatabaseError",
	MissingUUID:             "MissingUUID",
	MissingType:             "MissingType",
	MissingQuery:            "MissingQuery",
	InvalidLimit:            "InvalidLimit",
	InvalidOffset:           "InvalidOffset",
	MismatchedNotifyID:      "MismatchedNotifyId",
	InvalidActions:          "InvalidActions",
	UpdatingStaleVersion:    "UpdatingStaleVersion",
	InvalidType:             "InvalidType",
	InvalidMessage:          "InvalidMessage",
	QuotaExceeded:           "QuotaExceeded",
	FailedSchemaValidation:  "FailedSchemaValidation",
	InvalidMap:              "InvalidMap",
	InvalidReduce:           "InvalidReduce",
	InvalidSchemaOperation:  "InvalidSchemaOperation",
	InvalidIndexOperation:   "InvalidIndexOperation",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is the error type returned by the public API.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jsondb: %v: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("jsondb: %v: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrMissingObject)
// works regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Message == ""
}

// Sentinels for errors.Is.
var (
	ErrInvalidRequest         = &Error{Code: InvalidRequest}
	ErrOperationNotPermitted  = &Error{Code: OperationNotPermitted}
	ErrInvalidPartition       = &Error{Code: InvalidPartition}
	ErrMissingObject          = &Error{Code: MissingObject}
	ErrDatabaseError          = &Error{Code: DatabaseError}
	ErrMissingUUID            = &Error{Code: MissingUUID}
	ErrMissingType            = &Error{Code: MissingType}
	ErrMissingQuery           = &Error{Code: MissingQuery}
	ErrInvalidLimit           = &Error{Code: InvalidLimit}
	ErrInvalidOffset          = &Error{Code: InvalidOffset}
	ErrInvalidActions         = &Error{Code: InvalidActions}
	ErrUpdatingStaleVersion   = &Error{Code: UpdatingStaleVersion}
	ErrInvalidType            = &Error{Code: InvalidType}
	ErrQuotaExceeded          = &Error{Code: QuotaExceeded}
	ErrFailedSchemaValidation = &Error{Code: FailedSchemaValidation}
	ErrInvalidMap             = &Error{Code: InvalidMap}
	ErrInvalidReduce          = &Error{Code: InvalidReduce}
	ErrInvalidSchemaOperation = &Error{Code: InvalidSchemaOperation}
	ErrInvalidIndexOperation  = &Error{Code: InvalidIndexOperation}
)

// CodeOf extracts the code of an *Error, DatabaseError for other errors and
// NoError for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return DatabaseError
}

// DataError reports undecodable stored bytes.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	var data string
	if n <= prefixLen+suffixLen {
		data = fmt.Sprintf("(%d) %x", n, e.Data)
	} else {
		data = fmt.Sprintf("(%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	if e.Off > 0 {
		data = fmt.Sprintf("%s @%d", data, e.Off)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %s", e.Msg, e.Err, data)
	}
	return fmt.Sprintf("%s: %s", e.Msg, data)
}

// TableError reports a failure tied to a table, index or key.
type TableError struct {
	Table string
	Index string
	Key   []byte
	Msg   string
	Err   error
}

func tableErrf(table, index string, key []byte, err error, format string, args ...any) error {
	return &TableError{table, index, key, fmt.Sprintf(format, args...), err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Table)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

// asDatabaseError leaves *Error values alone and wraps everything else.
func asDatabaseError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return wrapErr(DatabaseError, err, format, args...)
}

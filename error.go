package bh2

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is an error code that mirrors the http status codes. It can be used
// to create errors to pass around across middleware layers to handle errors
// structurally.
type Code int

const (
	CodeUnknown                     Code = 0
	CodeBadRequest                  Code = http.StatusBadRequest                  // RFC 9110, 15.5.1
	CodeUnauthorized                Code = http.StatusUnauthorized                // RFC 9110, 15.5.2
	CodeForbidden                   Code = http.StatusForbidden                   // RFC 9110, 15.5.4
	CodeNotFound                    Code = http.StatusNotFound                    // RFC 9110, 15.5.5
	CodeMethodNotAllowed            Code = http.StatusMethodNotAllowed            // RFC 9110, 15.5.6
	CodeRequestTimeout              Code = http.StatusRequestTimeout              // RFC 9110, 15.5.9
	CodeConflict                    Code = http.StatusConflict                    // RFC 9110, 15.5.10
	CodeRequestEntityTooLarge       Code = http.StatusRequestEntityTooLarge       // RFC 9110, 15.5.14
	CodeMisdirectedRequest          Code = http.StatusMisdirectedRequest          // RFC 9110, 15.5.20
	CodeUnprocessableEntity         Code = http.StatusUnprocessableEntity         // RFC 9110, 15.5.21
	CodeTooManyRequests             Code = http.StatusTooManyRequests             // RFC 6585, 4
	CodeRequestHeaderFieldsTooLarge Code = http.StatusRequestHeaderFieldsTooLarge // RFC 6585, 5

	CodeInternalServerError      Code = http.StatusInternalServerError      // RFC 9110, 15.6.1
	CodeNotImplemented           Code = http.StatusNotImplemented           // RFC 9110, 15.6.2
	CodeServiceUnavailable       Code = http.StatusServiceUnavailable       // RFC 9110, 15.6.4
	CodeHTTPVersionNotSupported  Code = http.StatusHTTPVersionNotSupported  // RFC 9110, 15.6.6
	CodeNetworkAuthenticationReq Code = http.StatusNetworkAuthenticationRequired
)

// Error describes an http error returned from handlers.
type Error struct {
	code Code
	err  error
}

// NewError inits a new error given the error code.
func NewError(c Code, underlying error) *Error {
	return &Error{c, underlying}
}

func (e *Error) Code() Code { return e.code }
func (e *Error) Error() string {
	status := http.StatusText(int(e.Code()))
	if status == "" {
		status = "Unknown"
	}

	return fmt.Sprintf("%s: %s", status, e.err.Error())
}

func (e *Error) Unwrap() error { return e.err }

// CodeOf returns the error's status code if it is or wraps an [*Error] and
// [CodeUnknown] otherwise.
func CodeOf(err error) Code {
	if herr, ok := asError(err); ok {
		return herr.Code()
	}

	return CodeUnknown
}

// asError uses errors.As to unwrap any error and look for an *Error.
func asError(err error) (*Error, bool) {
	var herr *Error
	ok := errors.As(err, &herr)

	return herr, ok
}

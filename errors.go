// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package renkei

import (
	"context"
	"fmt"
)

// Class is the classification of an HTTP status code.
type Class int

const (
	ClassUnexpected    Class = iota // not a valid HTTP status
	ClassInformational              // 100–199
	ClassSuccess                    // 200–299
	ClassRedirect                   // 300–399
	ClassClient                     // 400–499
	ClassServer                     // 500–599
)

var className = [...]string{
	ClassUnexpected:    "unexpected",
	ClassInformational: "informational",
	ClassSuccess:       "success",
	ClassRedirect:      "redirect",
	ClassClient:        "client error",
	ClassServer:        "server error",
}

func (c Class) String() string {
	if c >= 0 && int(c) < len(className) {
		return className[c]
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Classify reports the class of an HTTP status code. The ranges are closed at
// both ends; any status outside 100–599 is ClassUnexpected.
func Classify(status int) Class {
	switch {
	case status >= 100 && status <= 199:
		return ClassInformational
	case status >= 200 && status <= 299:
		return ClassSuccess
	case status >= 300 && status <= 399:
		return ClassRedirect
	case status >= 400 && status <= 499:
		return ClassClient
	case status >= 500 && status <= 599:
		return ClassServer
	default:
		return ClassUnexpected
	}
}

// A CallError is an error reported by a client call. The concrete type of a
// CallError is one of *InformationalError, *RedirectError, *ClientError,
// *ServerError, *UnexpectedError, or *CancelError. Use [Visit] to handle all
// of them exhaustively.
type CallError interface {
	error
	callError()
}

// InformationalError reports a response with a 1xx status.
type InformationalError struct {
	Status int    // the response status code
	Text   string // the raw response body
}

func (e *InformationalError) Error() string { return statusText("informational", e.Status, e.Text) }

// RedirectError reports a response with a 3xx status.
type RedirectError struct {
	Status int
	Text   string
}

func (e *RedirectError) Error() string { return statusText("redirect", e.Status, e.Text) }

// ClientError reports a response with a 4xx status.
type ClientError struct {
	Status int
	Text   string
}

func (e *ClientError) Error() string { return statusText("client error", e.Status, e.Text) }

// ServerError reports a response with a 5xx status.
type ServerError struct {
	Status int
	Text   string
}

func (e *ServerError) Error() string { return statusText("server error", e.Status, e.Text) }

// UnexpectedError reports a local fault: a transport failure, a validation
// failure, or a malformed payload.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string { return "unexpected error: " + e.Err.Error() }

// Unwrap reports the underlying cause of e.
func (e *UnexpectedError) Unwrap() error { return e.Err }

// CancelError reports that a call was cancelled by the caller before it
// completed.
type CancelError struct {
	Err error // the cancellation cause, typically context.Canceled
}

func (e *CancelError) Error() string {
	if e.Err == nil {
		return "call cancelled"
	}
	return "call cancelled: " + e.Err.Error()
}

// Unwrap reports the cause of the cancellation.
func (e *CancelError) Unwrap() error {
	if e.Err == nil {
		return context.Canceled
	}
	return e.Err
}

func (*InformationalError) callError() {}
func (*RedirectError) callError()      {}
func (*ClientError) callError()        {}
func (*ServerError) callError()        {}
func (*UnexpectedError) callError()    {}
func (*CancelError) callError()        {}

func statusText(kind string, status int, text string) string {
	if text == "" {
		return fmt.Sprintf("%s (status %d)", kind, status)
	}
	return fmt.Sprintf("%s (status %d): %s", kind, status, truncate(text, 256))
}

// statusError returns the error corresponding to a non-success status, or nil
// if the status is in the success range.
func statusError(status int, text string) CallError {
	switch Classify(status) {
	case ClassSuccess:
		return nil
	case ClassInformational:
		return &InformationalError{Status: status, Text: text}
	case ClassRedirect:
		return &RedirectError{Status: status, Text: text}
	case ClassClient:
		return &ClientError{Status: status, Text: text}
	case ClassServer:
		return &ServerError{Status: status, Text: text}
	default:
		return &UnexpectedError{Err: fmt.Errorf("invalid status %d", status)}
	}
}

// An ErrorVisitor has one method for each concrete [CallError] type. Adding a
// new kind of call error adds a method here, so every visitor must handle it.
type ErrorVisitor[R any] interface {
	Informational(*InformationalError) R
	Redirect(*RedirectError) R
	Client(*ClientError) R
	Server(*ServerError) R
	Unexpected(*UnexpectedError) R
	Cancel(*CancelError) R
}

// Visit dispatches err to the method of v matching its concrete type.
// If err is not a [CallError] it is treated as an *UnexpectedError, so that
// every error is handled by exactly one method.
func Visit[R any](err error, v ErrorVisitor[R]) R {
	switch e := err.(type) {
	case *InformationalError:
		return v.Informational(e)
	case *RedirectError:
		return v.Redirect(e)
	case *ClientError:
		return v.Client(e)
	case *ServerError:
		return v.Server(e)
	case *UnexpectedError:
		return v.Unexpected(e)
	case *CancelError:
		return v.Cancel(e)
	default:
		return v.Unexpected(&UnexpectedError{Err: err})
	}
}

// truncate returns a prefix of s no longer than n bytes, ending on a UTF-8
// rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of proxy errors. Retry decisions and
// response codes are derived from the kind, never from string matching.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindPolicy
	KindRouting
	KindPool
	KindValidation
	KindTimeout
	KindBackend
	KindCancelled
)

// String returns the lowercase name used in logs and audit reasons.
func (k ErrorKind) String() string {
	switch k {
	case KindPolicy:
		return "policy"
	case KindRouting:
		return "routing"
	case KindPool:
		return "pool"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindBackend:
		return "backend"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Code returns the wire-level error code carried in responses.
func (k ErrorKind) Code() string {
	switch k {
	case KindPolicy:
		return "POLICY_DENY"
	case KindRouting:
		return "ROUTING_ERROR"
	case KindPool:
		return "POOL_ERROR"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindBackend:
		return "BACKEND_ERROR"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "INTERNAL_ERROR"
	}
}

// Error is the proxy's domain error. ServerAlias is set when the failure is
// attributable to a single backend.
type Error struct {
	Kind        ErrorKind
	Message     string
	ServerAlias string
	Cause       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ServerAlias != "" {
		msg = fmt.Sprintf("%s (server %s)", msg, e.ServerAlias)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a domain error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a domain error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithServer returns a copy of the error annotated with a backend alias.
func (e *Error) WithServer(alias string) *Error {
	out := *e
	out.ServerAlias = alias
	return &out
}

// KindOf classifies an arbitrary error. Context errors map to Timeout and
// Cancelled; anything unrecognised is Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether an error may be retried on another backend of
// the same group. Only transient pool and backend failures qualify, and the
// caller must additionally check that the statement is idempotent.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindPool, KindBackend:
		return true
	default:
		return false
	}
}

// DetailOf converts an error to its wire-level shape.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	detail := &ErrorDetail{
		Code:    KindOf(err).Code(),
		Message: err.Error(),
	}
	var pe *Error
	if errors.As(err, &pe) {
		detail.Message = pe.Message
		if pe.Cause != nil {
			detail.Message = fmt.Sprintf("%s: %v", pe.Message, pe.Cause)
		}
		detail.ServerAlias = pe.ServerAlias
	}
	return detail
}

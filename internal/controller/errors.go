/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"errors"
	"fmt"
)

// ErrorKind classifies command errors for the transport layer.
type ErrorKind string

const (
	// KindNotFound means the target build does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindConflict means a duplicate deploy or a command illegal in the
	// build's current state.
	KindConflict ErrorKind = "conflict"
	// KindRejected means the repository/branch matches no configured rule.
	KindRejected ErrorKind = "rejected"
	// KindUnauthorized means a missing or invalid credential.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindUpstream means the cluster API returned a non-retryable error.
	KindUpstream ErrorKind = "upstream"
	// KindUnavailable means the controller is still warming up.
	KindUnavailable ErrorKind = "unavailable"
)

// Error is a classified command error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or an empty kind for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func rejectedf(format string, args ...any) error {
	return &Error{Kind: KindRejected, Msg: fmt.Sprintf(format, args...)}
}

func unavailablef(format string, args ...any) error {
	return &Error{Kind: KindUnavailable, Msg: fmt.Sprintf(format, args...)}
}

func upstream(err error, format string, args ...any) error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...), Err: err}
}

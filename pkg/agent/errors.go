// Copyright 2025 The Nestor Authors
//
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

package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies runtime failures.
type ErrorKind string

const (
	ErrorKindNotFound           ErrorKind = "not_found"
	ErrorKindValidation         ErrorKind = "validation"
	ErrorKindStorageUnavailable ErrorKind = "storage_unavailable"
	ErrorKindLlmTransport       ErrorKind = "llm_transport"
	ErrorKindLlmContentPolicy   ErrorKind = "llm_content_policy"
	ErrorKindToolExecution      ErrorKind = "tool_execution"
	ErrorKindTimeout            ErrorKind = "timeout"
	ErrorKindTransferLoop       ErrorKind = "transfer_loop"
	ErrorKindCancelled          ErrorKind = "cancelled"
	ErrorKindInternal           ErrorKind = "internal"
)

// Error is the typed error surfaced by the runner. Kind is machine
// readable, InvocationID locates the failed invocation.
type Error struct {
	Kind         ErrorKind
	Message      string
	InvocationID string
	Err          error
}

func (e *Error) Error() string {
	if e.InvocationID != "" {
		return fmt.Sprintf("%s: %s (invocation %s)", e.Kind, e.Message, e.InvocationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed runtime error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError wraps err with a kind, preserving the chain for errors.Is/As.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to Internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindInternal
}

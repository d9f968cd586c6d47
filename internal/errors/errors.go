// SPDX-License-Identifier: AGPL-3.0-only
package errors

import (
	"fmt"
	"strings"
)

// SoftFailurePrefix marks tool output that completed at the protocol level but
// reports a logical error. It is the tool backend's only error channel.
const SoftFailurePrefix = "Erro:"

// IsSoftFailure reports whether tool output carries the soft failure marker.
func IsSoftFailure(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), SoftFailurePrefix)
}

// SoftFailure formats a soft failure message for a tool result.
func SoftFailure(err error) string {
	return fmt.Sprintf("%s %v", SoftFailurePrefix, err)
}

// NotFound creates a formatted "not found" error
func NotFound(resource, id string) error {
	return fmt.Errorf("resource not found: %s with ID %s", resource, id)
}

// InvalidInput creates a formatted "invalid input" error
func InvalidInput(reason string) error {
	return fmt.Errorf("invalid input: %s", reason)
}

// Internal creates a formatted "internal error" error
func Internal(err error) error {
	return fmt.Errorf("internal error: %v", err)
}

// ConnectionError means the tool backend transport could not be established
// or maintained. It is fatal at startup.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to tool backend %q failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connection wraps err as a ConnectionError for endpoint.
func Connection(endpoint string, err error) error {
	return &ConnectionError{Endpoint: endpoint, Err: err}
}

// ToolInvocationError means the backend failed to execute a named tool.
type ToolInvocationError struct {
	Tool string
	Err  error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ToolInvocation wraps err as a ToolInvocationError for tool.
func ToolInvocation(tool string, err error) error {
	return &ToolInvocationError{Tool: tool, Err: err}
}

// CompletionBackendError means the text-generation backend was unreachable or
// returned a malformed response.
type CompletionBackendError struct {
	Provider string
	Err      error
}

func (e *CompletionBackendError) Error() string {
	return fmt.Sprintf("%s completion failed: %v", e.Provider, e.Err)
}

func (e *CompletionBackendError) Unwrap() error { return e.Err }

// CompletionBackend wraps err as a CompletionBackendError for provider.
func CompletionBackend(provider string, err error) error {
	return &CompletionBackendError{Provider: provider, Err: err}
}

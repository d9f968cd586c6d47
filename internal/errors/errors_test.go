// SPDX-License-Identifier: AGPL-3.0-only
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNotFound(t *testing.T) {
	err := NotFound("result", "123")
	expectedMsg := "resource not found: result with ID 123"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestInvalidInput(t *testing.T) {
	reason := "missing required field"
	err := InvalidInput(reason)
	expectedMsg := "invalid input: " + reason
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestInternal(t *testing.T) {
	originalErr := fmt.Errorf("database connection failed")
	err := Internal(originalErr)
	expectedMsg := "internal error: database connection failed"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestIsSoftFailure(t *testing.T) {
	cases := map[string]bool{
		"Erro: ticker not found":   true,
		"  Erro: leading space":    true,
		"import yfinance as yf":    false,
		"":                         false,
		"error: lowercase english": false,
	}
	for content, want := range cases {
		if got := IsSoftFailure(content); got != want {
			t.Errorf("IsSoftFailure(%q) = %v, want %v", content, got, want)
		}
	}
}

func TestSoftFailure(t *testing.T) {
	msg := SoftFailure(fmt.Errorf("disk full"))
	if msg != "Erro: disk full" {
		t.Errorf("Expected 'Erro: disk full', got '%s'", msg)
	}
	if !IsSoftFailure(msg) {
		t.Error("Expected formatted message to be a soft failure")
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	cause := fmt.Errorf("broken pipe")

	var connErr *ConnectionError
	if !stderrors.As(fmt.Errorf("startup: %w", Connection("server.py", cause)), &connErr) {
		t.Fatal("Expected ConnectionError to be found with errors.As")
	}
	if connErr.Endpoint != "server.py" {
		t.Errorf("Expected endpoint 'server.py', got '%s'", connErr.Endpoint)
	}

	var toolErr *ToolInvocationError
	if !stderrors.As(ToolInvocation("save_code", cause), &toolErr) {
		t.Fatal("Expected ToolInvocationError to be found with errors.As")
	}
	if !stderrors.Is(toolErr, cause) {
		t.Error("Expected ToolInvocationError to unwrap to its cause")
	}

	var complErr *CompletionBackendError
	if !stderrors.As(CompletionBackend("anthropic", cause), &complErr) {
		t.Fatal("Expected CompletionBackendError to be found with errors.As")
	}
	if complErr.Error() != "anthropic completion failed: broken pipe" {
		t.Errorf("Unexpected message: %s", complErr.Error())
	}
}

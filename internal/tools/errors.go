// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. This indicates a capability mismatch
// (a hallucinated or misspelled tool name), not a transient execution
// failure. The result is reported back to the model so it can correct
// itself on the next iteration.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrApprovalDenied is returned when a tool requiring approval was
// denied, either explicitly by the operator or by timeout.
type ErrApprovalDenied struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrApprovalDenied) Error() string {
	return fmt.Sprintf("tool %q was not approved for execution", e.ToolName)
}

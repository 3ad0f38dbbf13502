package busserver

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolError is the structured body of a failed tool call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

const (
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeInternal   = "INTERNAL_ERROR"
)

func (e ToolError) result() *mcp.CallToolResult {
	data, err := json.Marshal(e)
	if err != nil {
		return mcp.NewToolResultError(e.Message)
	}
	return mcp.NewToolResultError(string(data))
}

func notFound(what, id string) *mcp.CallToolResult {
	return ToolError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", what, id)}.result()
}

func invalid(msg string) *mcp.CallToolResult {
	return ToolError{Code: ErrCodeValidation, Message: msg}.result()
}

func internal(err error) *mcp.CallToolResult {
	return ToolError{Code: ErrCodeInternal, Message: err.Error()}.result()
}

// jsonResult encodes v as the text content of a successful result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return internal(fmt.Errorf("encode result: %w", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

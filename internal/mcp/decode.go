package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/insight/internal/errors"
)

// decode unmarshals MCP request arguments into a typed struct.
// Avoids unsafe type assertions and handles JSON decoding safely.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	args := req.GetArguments()
	b, err := json.Marshal(args)
	if err != nil {
		return result, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("unmarshal args: %w", err)
	}
	return result, nil
}

// decodeID decodes T and requires a non-blank bookmark id.
func decodeID[T any](req mcp.CallToolRequest, id func(T) string) (T, error) {
	input, err := decode[T](req)
	if err != nil {
		return input, errors.NewMalformed("invalid arguments", err)
	}
	if strings.TrimSpace(id(input)) == "" {
		return input, errors.NewMalformed("id is required", nil)
	}
	return input, nil
}

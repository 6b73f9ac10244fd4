// Package mcp implements the Model Context Protocol (MCP) server for Conclave.
// It exposes ingestion, queries and the council as JSON-RPC 2.0 tools.
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/scrypster/conclave/internal/index"
	"github.com/scrypster/conclave/pkg/types"
)

// SubmitFactArgs contains arguments for the submit_fact tool.
type SubmitFactArgs struct {
	Source      string       `json:"source"`                 // Originating system, e.g. "zendesk" (required)
	Kind        string       `json:"kind,omitempty"`         // observation, incident, or decision (required)
	Body        string       `json:"body"`                   // Fact text (required)
	SubjectHint string       `json:"subject_hint,omitempty"` // Entity names, comma separated
	EntityKind  string       `json:"entity_kind,omitempty"`  // Kind for newly created entities (default customer)
	Timestamp   string       `json:"timestamp,omitempty"`    // RFC-3339 event time (default now)
	Tags        []string     `json:"tags,omitempty"`
	Severity    string       `json:"severity,omitempty"`  // Incidents only
	Rationale   string       `json:"rationale,omitempty"` // Decisions only
	Supersedes  types.FactID `json:"supersedes,omitempty"`
}

// UnmarshalJSON handles the case where some MCP clients send array fields
// like "tags" as a JSON-encoded string ("[\"a\",\"b\"]") or a comma separated
// string rather than a proper JSON array. All forms are accepted.
func (a *SubmitFactArgs) UnmarshalJSON(data []byte) error {
	type Alias SubmitFactArgs
	aux := &struct {
		Tags json.RawMessage `json:"tags,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.Tags = flexibleStrings(aux.Tags)
	return nil
}

// flexibleStrings decodes a JSON array of strings, a JSON-encoded array
// inside a string, or a comma separated string. Anything else yields nil.
func flexibleStrings(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		_ = json.Unmarshal([]byte(s), &list)
		return list
	}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			list = append(list, t)
		}
	}
	return list
}

// SearchFactsArgs contains arguments for the search_facts tool.
type SearchFactsArgs struct {
	Query string `json:"query"`           // Free text (required)
	Limit int    `json:"limit,omitempty"` // Max results (default 20, max 100)
}

// SearchFactsResult contains ranked search hits.
type SearchFactsResult struct {
	Hits  []index.Hit `json:"hits"`
	Total int         `json:"total"`
}

// CustomerContextArgs contains arguments for the customer_context tool.
type CustomerContextArgs struct {
	Name string `json:"name"` // Entity name, alias, or ID; fuzzy matched (required)
}

// ListThemesArgs contains arguments for the list_themes tool.
type ListThemesArgs struct {
	Examples int `json:"examples,omitempty"` // Example snippets per theme (default 2)
}

// ListThemesResult lists themes by count.
type ListThemesResult struct {
	Themes []index.ThemeSummary `json:"themes"`
}

// RecentFactsArgs contains arguments for the recent_facts tool. Any filter
// field narrows the listing; all set filters must match.
type RecentFactsArgs struct {
	N                 int    `json:"n,omitempty"` // Max facts (default 10, max 100)
	Kind              string `json:"kind,omitempty"`
	Source            string `json:"source,omitempty"`
	Theme             string `json:"theme,omitempty"`
	Entity            string `json:"entity,omitempty"` // Entity name, alias, or ID
	Since             string `json:"since,omitempty"`  // RFC-3339, inclusive
	Until             string `json:"until,omitempty"`  // RFC-3339, exclusive
	ExcludeSuperseded bool   `json:"exclude_superseded,omitempty"`
}

// RecentFactsResult lists facts newest first.
type RecentFactsResult struct {
	Facts []*types.Fact `json:"facts"`
}

// AskCouncilArgs contains arguments for the ask_council tool.
type AskCouncilArgs struct {
	Question       string `json:"question"`                  // (required)
	Scope          string `json:"scope,omitempty"`           // Entity whose history leads the context
	RecordDecision bool   `json:"record_decision,omitempty"` // Append the recommendation as a decision fact
}

// GetFactArgs contains arguments for the get_fact tool.
type GetFactArgs struct {
	ID types.FactID `json:"id"`
}

// GetFactResult returns a fact and, when superseded, its replacement.
type GetFactResult struct {
	Fact        *types.Fact `json:"fact"`
	Replacement *types.Fact `json:"replacement,omitempty"`
}

// SupersedeFactArgs contains arguments for the supersede_fact tool.
type SupersedeFactArgs struct {
	Old         types.FactID `json:"old"`
	Replacement types.FactID `json:"replacement"`
}

// SupersedeFactResult confirms a supersede link.
type SupersedeFactResult struct {
	Old         types.FactID `json:"old"`
	Replacement types.FactID `json:"replacement"`
}

// RegisterEntityArgs contains arguments for the register_entity tool.
type RegisterEntityArgs struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind,omitempty"` // customer (default) or project
	Aliases    []string          `json:"aliases,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// UnmarshalJSON accepts aliases in the same loose forms as tags.
func (a *RegisterEntityArgs) UnmarshalJSON(data []byte) error {
	type Alias RegisterEntityArgs
	aux := &struct {
		Aliases json.RawMessage `json:"aliases,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.Aliases = flexibleStrings(aux.Aliases)
	return nil
}

// UpdateEntityArgs contains arguments for the update_entity tool.
type UpdateEntityArgs struct {
	Entity     string            `json:"entity"` // Name, alias, or ID
	Aliases    []string          `json:"aliases,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// UnmarshalJSON accepts aliases in the same loose forms as tags.
func (a *UpdateEntityArgs) UnmarshalJSON(data []byte) error {
	type Alias UpdateEntityArgs
	aux := &struct {
		Aliases json.RawMessage `json:"aliases,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.Aliases = flexibleStrings(aux.Aliases)
	return nil
}

// MergeEntitiesArgs contains arguments for the merge_entities tool.
type MergeEntitiesArgs struct {
	Loser    string `json:"loser"`    // Entity folded away
	Survivor string `json:"survivor"` // Entity that remains
	Reason   string `json:"reason,omitempty"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`  // Method name
	Params  interface{} `json:"params"`  // Method parameters
	ID      interface{} `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo          `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}

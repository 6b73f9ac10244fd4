package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/council"
	"github.com/scrypster/conclave/internal/engine"
	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/gateway"
	"github.com/scrypster/conclave/internal/index"
	"github.com/scrypster/conclave/pkg/types"
)

const (
	// ProtocolVersion is the MCP revision this server speaks.
	ProtocolVersion = "2024-11-05"

	// MaxListLimit caps every list-returning tool.
	MaxListLimit = 100

	defaultThemeExamples = 2
)

// errInvalidParams marks arguments that could not be decoded.
var errInvalidParams = errors.New("invalid params")

// Server implements the Model Context Protocol (MCP) for Conclave.
// It provides JSON-RPC 2.0 based tools for AI assistants to feed facts in,
// query them, and convene the council.
type Server struct {
	engine  *engine.Engine
	log     *zap.Logger
	name    string
	version string
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the logger. Transports that own stdout must pass a logger
// writing to stderr.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithVersion sets the version reported in the initialize handshake.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// NewServer creates an MCP server backed by e.
func NewServer(e *engine.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:  e,
		log:     zap.NewNop(),
		name:    "conclave",
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("mcp")
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// Notifications (requests without an ID) produce a nil response.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}

	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized", "notifications/initialized", "notifications/cancelled":
		if req.ID == nil {
			return nil, nil
		}
		result = map[string]interface{}{}
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: s.buildToolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		// Tools are also callable directly by name.
		var ok bool
		result, ok, err = s.dispatch(ctx, req.Method, req.Params)
		if !ok {
			return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
		}
	}

	if err != nil {
		return s.errorResponse(req.ID, errorCode(err), err.Error(), result)
	}
	return s.successResponse(req.ID, result)
}

// errorCode maps domain errors onto JSON-RPC codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, errInvalidParams), types.IsValidation(err):
		return ErrCodeInvalidParams
	default:
		return ErrCodeServerError
	}
}

// dispatch runs the tool called name. ok is false for unknown tools.
func (s *Server) dispatch(ctx context.Context, name string, params interface{}) (result interface{}, ok bool, err error) {
	ok = true
	switch name {
	case "submit_fact":
		var args SubmitFactArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.SubmitFact(ctx, args)
		}
	case "search_facts":
		var args SearchFactsArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.SearchFacts(ctx, args)
		}
	case "customer_context":
		var args CustomerContextArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.CustomerContext(ctx, args)
		}
	case "list_themes":
		var args ListThemesArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.ListThemes(ctx, args)
		}
	case "recent_facts":
		var args RecentFactsArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.RecentFacts(ctx, args)
		}
	case "memory_summary":
		result = s.engine.Index().Summary()
	case "ask_council":
		var args AskCouncilArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			var sess *types.CouncilSession
			sess, err = s.AskCouncil(ctx, args)
			if sess != nil {
				result = sess
			}
		}
	case "get_fact":
		var args GetFactArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.GetFact(ctx, args)
		}
	case "supersede_fact":
		var args SupersedeFactArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.SupersedeFact(ctx, args)
		}
	case "register_entity":
		var args RegisterEntityArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.RegisterEntity(ctx, args)
		}
	case "update_entity":
		var args UpdateEntityArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.UpdateEntity(ctx, args)
		}
	case "merge_entities":
		var args MergeEntitiesArgs
		if err = s.unmarshalParams(params, &args); err == nil {
			result, err = s.MergeEntities(ctx, args)
		}
	default:
		return nil, false, nil
	}
	if err != nil && result != nil {
		// Only a failed council session travels with its error.
		if _, isSession := result.(*types.CouncilSession); !isSession {
			result = nil
		}
	}
	return result, true, err
}

// SubmitFact ingests one fact through the gateway.
func (s *Server) SubmitFact(ctx context.Context, args SubmitFactArgs) (*gateway.Result, error) {
	var ts time.Time
	if args.Timestamp != "" {
		var err error
		if ts, err = time.Parse(time.RFC3339, args.Timestamp); err != nil {
			return nil, errors.Wrapf(types.ErrValidation, "timestamp %q is not RFC-3339", args.Timestamp)
		}
	}
	res, err := s.engine.Submit(ctx, gateway.Submission{
		Source:      args.Source,
		Kind:        args.Kind,
		Body:        args.Body,
		SubjectHint: args.SubjectHint,
		EntityKind:  args.EntityKind,
		Timestamp:   ts,
		Tags:        args.Tags,
		Severity:    args.Severity,
		Rationale:   args.Rationale,
		Supersedes:  args.Supersedes,
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("fact submitted",
		zap.Uint64("fact_id", uint64(res.FactID)),
		zap.Bool("deduplicated", res.Deduplicated))
	return res, nil
}

// SearchFacts runs a keyword search over every fact.
func (s *Server) SearchFacts(ctx context.Context, args SearchFactsArgs) (*SearchFactsResult, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, errors.Wrap(types.ErrValidation, "query is required")
	}
	hits := s.engine.Index().Search(args.Query, clampLimit(args.Limit))
	return &SearchFactsResult{Hits: hits, Total: len(hits)}, nil
}

// CustomerContext returns an entity with its recent facts and open incidents.
func (s *Server) CustomerContext(ctx context.Context, args CustomerContextArgs) (*index.EntityContext, error) {
	if strings.TrimSpace(args.Name) == "" {
		return nil, errors.Wrap(types.ErrValidation, "name is required")
	}
	return s.engine.Index().Context(args.Name)
}

// ListThemes lists tag themes by count with example snippets.
func (s *Server) ListThemes(ctx context.Context, args ListThemesArgs) (*ListThemesResult, error) {
	n := args.Examples
	if n <= 0 {
		n = defaultThemeExamples
	}
	return &ListThemesResult{Themes: s.engine.Index().ThemeSummaries(min(n, MaxListLimit))}, nil
}

// RecentFacts lists the newest facts, optionally filtered.
func (s *Server) RecentFacts(ctx context.Context, args RecentFactsArgs) (*RecentFactsResult, error) {
	n := args.N
	if n <= 0 {
		n = index.DefaultRecent
	}
	n = min(n, MaxListLimit)

	if args.Kind == "" && args.Source == "" && args.Theme == "" && args.Entity == "" &&
		args.Since == "" && args.Until == "" && !args.ExcludeSuperseded {
		return &RecentFactsResult{Facts: s.engine.Index().Recent(n)}, nil
	}

	filter := factstore.ListFilter{
		Source:            args.Source,
		Theme:             strings.ToLower(strings.TrimSpace(args.Theme)),
		ExcludeSuperseded: args.ExcludeSuperseded,
		NewestFirst:       true,
		Limit:             n,
	}
	var err error
	if args.Kind != "" {
		if filter.Kind, err = types.ParseFactKind(args.Kind); err != nil {
			return nil, err
		}
	}
	if args.Entity != "" {
		ent, err := s.engine.Store().ResolveEntity(args.Entity)
		if err != nil {
			return nil, err
		}
		filter.Entity = ent.ID
	}
	if filter.Since, err = parseBound("since", args.Since); err != nil {
		return nil, err
	}
	if filter.Until, err = parseBound("until", args.Until); err != nil {
		return nil, err
	}
	return &RecentFactsResult{Facts: s.engine.Store().List(filter)}, nil
}

func parseBound(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(types.ErrValidation, "%s %q is not RFC-3339", name, v)
	}
	return t, nil
}

// AskCouncil convenes the council. When every voice abstains the failed
// session is returned together with council.ErrNoQuorum.
func (s *Server) AskCouncil(ctx context.Context, args AskCouncilArgs) (*types.CouncilSession, error) {
	if strings.TrimSpace(args.Question) == "" {
		return nil, errors.Wrap(types.ErrValidation, "question is required")
	}
	sess, err := s.engine.Ask(ctx, args.Question, council.AskOptions{
		Scope:          args.Scope,
		RecordDecision: args.RecordDecision,
	})
	if err != nil {
		s.log.Warn("council session failed", zap.String("question", args.Question), zap.Error(err))
	}
	return sess, err
}

// GetFact returns one fact and its replacement, if any.
func (s *Server) GetFact(ctx context.Context, args GetFactArgs) (*GetFactResult, error) {
	if args.ID == 0 {
		return nil, errors.Wrap(types.ErrValidation, "id is required")
	}
	f, err := s.engine.Store().Get(args.ID)
	if err != nil {
		return nil, err
	}
	out := &GetFactResult{Fact: f}
	if f.SupersededBy != 0 {
		if out.Replacement, err = s.engine.Store().Get(f.SupersededBy); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SupersedeFact links an existing fact to its replacement.
func (s *Server) SupersedeFact(ctx context.Context, args SupersedeFactArgs) (*SupersedeFactResult, error) {
	if err := s.engine.Supersede(ctx, args.Old, args.Replacement); err != nil {
		return nil, err
	}
	return &SupersedeFactResult{Old: args.Old, Replacement: args.Replacement}, nil
}

// RegisterEntity creates a customer or project ahead of any fact.
func (s *Server) RegisterEntity(ctx context.Context, args RegisterEntityArgs) (*types.Entity, error) {
	kind, err := types.ParseEntityKind(args.Kind)
	if err != nil {
		return nil, err
	}
	return s.engine.RegisterEntity(ctx, types.EntityDraft{
		Kind:       kind,
		Name:       args.Name,
		Aliases:    args.Aliases,
		Attributes: args.Attributes,
	})
}

// UpdateEntity adds aliases or attributes to an existing entity.
func (s *Server) UpdateEntity(ctx context.Context, args UpdateEntityArgs) (*types.Entity, error) {
	if strings.TrimSpace(args.Entity) == "" {
		return nil, errors.Wrap(types.ErrValidation, "entity is required")
	}
	return s.engine.UpdateEntity(ctx, args.Entity, factstore.EntityUpdate{
		Aliases:    args.Aliases,
		Attributes: args.Attributes,
	})
}

// MergeEntities folds one entity into another.
func (s *Server) MergeEntities(ctx context.Context, args MergeEntitiesArgs) (*types.Entity, error) {
	if args.Loser == "" || args.Survivor == "" {
		return nil, errors.Wrap(types.ErrValidation, "loser and survivor are required")
	}
	return s.engine.MergeEntities(ctx, args.Loser, args.Survivor, args.Reason)
}

// handleInitialize handles the MCP initialize handshake.
func (s *Server) handleInitialize(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPInitializeParams
	if params != nil {
		if err := s.unmarshalParams(params, &p); err != nil {
			return nil, err
		}
	}
	s.log.Info("client connected",
		zap.String("client", p.ClientInfo.Name),
		zap.String("client_version", p.ClientInfo.Version),
		zap.String("protocol", p.ProtocolVersion))
	return MCPInitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    s.name,
			Version: s.version,
		},
	}, nil
}

// handleToolsCall dispatches a tools/call request and wraps the result in the
// MCP content envelope. Tool failures are reported in the envelope, not as
// JSON-RPC errors, so the calling model can read them.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	result, ok, handlerErr := s.dispatch(ctx, p.Name, p.Arguments)
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}
	if handlerErr != nil {
		out := toolError(handlerErr.Error())
		if result != nil {
			if text, err := json.Marshal(result); err == nil {
				out.Content = append(out.Content, MCPToolCallContent{Type: "text", Text: string(text)})
			}
		}
		return out, nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal result")
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

func toolError(msg string) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}

// unmarshalParams converts params to the destination struct.
func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to marshal params"), errInvalidParams)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to unmarshal params"), errInvalidParams)
	}
	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}

// clampLimit bounds a caller-supplied limit. Zero keeps the index default.
func clampLimit(n int) int {
	if n <= 0 {
		return 0
	}
	return min(n, MaxListLimit)
}

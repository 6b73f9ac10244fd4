package handlers

import (
	"github.com/scrypster/conclave/internal/index"
	"github.com/scrypster/conclave/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AskRequest is the request body for POST /api/council.
type AskRequest struct {
	Question       string `json:"question"`
	Scope          string `json:"scope,omitempty"`
	RecordDecision bool   `json:"record_decision,omitempty"`
}

// NoQuorumResponse is returned with 409 when every voice abstained.
type NoQuorumResponse struct {
	ErrorResponse
	Session *types.CouncilSession `json:"session"`
}

// EntityRequest is the request body for POST /api/entities.
type EntityRequest struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind,omitempty"`
	Aliases    []string          `json:"aliases,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MergeRequest is the request body for POST /api/entities/merge.
type MergeRequest struct {
	Loser    string `json:"loser"`
	Survivor string `json:"survivor"`
	Reason   string `json:"reason,omitempty"`
}

// SupersedeRequest is the request body for POST /api/facts/{id}/supersede.
type SupersedeRequest struct {
	Replacement types.FactID `json:"replacement"`
}

// FactResponse is the response format for GET /api/facts/{id}.
type FactResponse struct {
	Fact        *types.Fact `json:"fact"`
	Replacement *types.Fact `json:"replacement,omitempty"`
}

// SearchResponse is the response format for GET /api/search.
type SearchResponse struct {
	Hits  []index.Hit `json:"hits"`
	Total int         `json:"total"`
	Query string      `json:"query"`
}

// ThemesResponse is the response format for GET /api/themes.
type ThemesResponse struct {
	Themes []index.ThemeSummary `json:"themes"`
}

// FactsResponse lists facts, newest first.
type FactsResponse struct {
	Facts []*types.Fact `json:"facts"`
}

// SessionsResponse lists council sessions, newest first.
type SessionsResponse struct {
	Sessions []*types.CouncilSession `json:"sessions"`
}

// EventMessage is pushed to WebSocket clients for every committed change.
type EventMessage struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`

	Fact    *types.Fact           `json:"fact,omitempty"`
	Entity  *types.Entity         `json:"entity,omitempty"`
	Session *types.CouncilSession `json:"session,omitempty"`
}

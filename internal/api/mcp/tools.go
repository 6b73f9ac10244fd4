package mcp

// obj and prop keep the schemas below readable.
type obj = map[string]interface{}

func prop(typ, desc string) obj {
	return obj{"type": typ, "description": desc}
}

func stringList(desc string) obj {
	return obj{"type": "array", "items": obj{"type": "string"}, "description": desc}
}

// buildToolsList returns every tool this server exposes.
func (s *Server) buildToolsList() []MCPTool {
	return []MCPTool{
		{
			Name: "submit_fact",
			Description: "Record a fact from a collaborator (support desk, chat, sales notes). " +
				"Entities named in subject_hint are matched or created; tags are normalized. " +
				"Identical submissions inside the dedup window return the existing fact instead of a new one.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"source", "kind", "body"},
				"properties": obj{
					"source":       prop("string", "Originating system, e.g. zendesk or slack:#support"),
					"kind":         obj{"type": "string", "enum": []string{"observation", "incident", "decision"}, "description": "Fact kind"},
					"body":         prop("string", "The fact text"),
					"subject_hint": prop("string", "Customer or project names, comma separated"),
					"entity_kind":  obj{"type": "string", "enum": []string{"customer", "project"}, "description": "Kind for entities created from subject_hint (default customer)"},
					"timestamp":    prop("string", "RFC-3339 time the event happened (default now)"),
					"tags":         stringList("Theme tags"),
					"severity":     obj{"type": "string", "enum": []string{"low", "medium", "high", "critical"}, "description": "Incident severity"},
					"rationale":    prop("string", "Why a decision was made"),
					"supersedes":   prop("integer", "ID of an earlier fact this one replaces"),
				},
			},
		},
		{
			Name:        "search_facts",
			Description: "Keyword search over every fact. Results rank by distinct matched words, then total matches, then recency.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"query"},
				"properties": obj{
					"query": prop("string", "Free text query"),
					"limit": prop("integer", "Max results (default 20, max 100)"),
				},
			},
		},
		{
			Name:        "customer_context",
			Description: "Everything known about one customer or project: the entity, its recent facts, and its open incidents. Names are matched exactly first, then fuzzily.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"name"},
				"properties": obj{
					"name": prop("string", "Entity name, alias, or ID"),
				},
			},
		},
		{
			Name:        "list_themes",
			Description: "List tag themes by number of facts, each with example snippets.",
			InputSchema: obj{
				"type": "object",
				"properties": obj{
					"examples": prop("integer", "Example snippets per theme (default 2)"),
				},
			},
		},
		{
			Name:        "recent_facts",
			Description: "List the newest facts, optionally filtered by kind, source, theme, entity, or time range.",
			InputSchema: obj{
				"type": "object",
				"properties": obj{
					"n":                  prop("integer", "Max facts (default 10, max 100)"),
					"kind":               obj{"type": "string", "enum": []string{"observation", "incident", "decision"}},
					"source":             prop("string", "Only facts from this source"),
					"theme":              prop("string", "Only facts carrying this tag"),
					"entity":             prop("string", "Only facts about this entity"),
					"since":              prop("string", "RFC-3339 lower bound, inclusive"),
					"until":              prop("string", "RFC-3339 upper bound, exclusive"),
					"exclude_superseded": prop("boolean", "Hide facts that were replaced"),
				},
			},
		},
		{
			Name:        "memory_summary",
			Description: "Counts of facts by kind and source, open incidents, entities, council sessions, and the top themes.",
			InputSchema: obj{"type": "object", "properties": obj{}},
		},
		{
			Name: "ask_council",
			Description: "Ask the council of advisor voices a question. Each voice reads the relevant facts and answers independently; " +
				"similar answers are pooled and the strongest pool becomes the recommendation. " +
				"The session lists every opinion, every abstention, and a disagreement score.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"question"},
				"properties": obj{
					"question":        prop("string", "The question to deliberate"),
					"scope":           prop("string", "Customer or project whose history leads the context"),
					"record_decision": prop("boolean", "Record the recommendation as a decision fact"),
				},
			},
		},
		{
			Name:        "get_fact",
			Description: "Fetch one fact by ID, with its replacement when it was superseded.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"id"},
				"properties": obj{
					"id": prop("integer", "Fact ID"),
				},
			},
		},
		{
			Name:        "supersede_fact",
			Description: "Mark a fact as replaced by a later one. An incident superseded this way is no longer open.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"old", "replacement"},
				"properties": obj{
					"old":         prop("integer", "ID of the fact being replaced"),
					"replacement": prop("integer", "ID of the newer fact"),
				},
			},
		},
		{
			Name:        "register_entity",
			Description: "Create a customer or project before any fact mentions it, with optional aliases and attributes.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"name"},
				"properties": obj{
					"name":       prop("string", "Display name"),
					"kind":       obj{"type": "string", "enum": []string{"customer", "project"}, "description": "Entity kind (default customer)"},
					"aliases":    stringList("Other names the entity goes by"),
					"attributes": obj{"type": "object", "additionalProperties": obj{"type": "string"}, "description": "Free-form attributes, e.g. plan or region"},
				},
			},
		},
		{
			Name:        "update_entity",
			Description: "Add aliases or attributes to a customer or project. Setting recent_tickets without a sentiment grades the customer (3+ tickets is frustrated); frustrated or unhappy customers show up as at-risk in the summary.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"entity"},
				"properties": obj{
					"entity":     prop("string", "Entity to update (name, alias, or ID)"),
					"aliases":    stringList("Other names the entity goes by"),
					"attributes": obj{"type": "object", "additionalProperties": obj{"type": "string"}, "description": "Attributes to set, e.g. sentiment or recent_tickets; an empty value removes one"},
				},
			},
		},
		{
			Name:        "merge_entities",
			Description: "Fold a duplicate entity into the one that should remain. Facts about either resolve to the survivor afterwards.",
			InputSchema: obj{
				"type":     "object",
				"required": []string{"loser", "survivor"},
				"properties": obj{
					"loser":    prop("string", "Entity to fold away (name, alias, or ID)"),
					"survivor": prop("string", "Entity that remains (name, alias, or ID)"),
					"reason":   prop("string", "Why the two are the same"),
				},
			},
		},
	}
}

package graph

import (
	"bytes"
	"encoding/json"
)

type rawNode struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Next   string          `json:"next,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Parse decodes the builder's node list and validates it. The document is
// either a JSON array of nodes or an object with a "nodes" array. A node's
// single successor may be given as "next" on the node or inside its config.
func Parse(data []byte) (*Graph, error) {
	nodes, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return New(nodes)
}

// Decode turns the builder JSON into nodes without validating the graph.
func Decode(data []byte) ([]Node, error) {
	data = bytes.TrimSpace(data)
	var raw []rawNode
	if len(data) > 0 && data[0] == '{' {
		var doc struct {
			Nodes []rawNode `json:"nodes"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, invalid("", "malformed graph document: %v", err)
		}
		raw = doc.Nodes
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalid("", "malformed graph document: %v", err)
	}

	nodes := make([]Node, 0, len(raw))
	for _, r := range raw {
		cfg, next, err := decodeConfig(r)
		if err != nil {
			return nil, err
		}
		if r.Next != "" {
			next = r.Next
		}
		nodes = append(nodes, Node{ID: r.ID, Type: r.Type, Next: next, Config: cfg})
	}
	return nodes, nil
}

func decodeConfig(r rawNode) (Config, string, error) {
	var cfg Config
	switch r.Type {
	case TypeTrigger:
		cfg = &TriggerConfig{}
	case TypeSendEmail:
		cfg = &SendEmailConfig{}
	case TypeDelay:
		cfg = &DelayConfig{}
	case TypeCondition:
		cfg = &ConditionConfig{}
	case TypeEnd:
		cfg = &EndConfig{}
	default:
		return nil, "", invalid(r.ID, "unknown node type %q", r.Type)
	}
	if len(r.Config) == 0 || string(r.Config) == "null" {
		if r.Type == TypeTrigger || r.Type == TypeEnd {
			return cfg, "", nil
		}
		return nil, "", invalid(r.ID, "missing config")
	}
	if err := json.Unmarshal(r.Config, cfg); err != nil {
		return nil, "", invalid(r.ID, "malformed config: %v", err)
	}
	var inline struct {
		Next string `json:"next"`
	}
	if err := json.Unmarshal(r.Config, &inline); err != nil {
		return nil, "", invalid(r.ID, "malformed next: %v", err)
	}
	return cfg, inline.Next, nil
}

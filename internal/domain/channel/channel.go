// Package channel defines the tagged-sum Channel type the pub/sub hub
// dispatches on, and the AuthContext used to authorize subscribe/publish.
package channel

import (
	"fmt"
	"strings"
)

// Category is the top-level variant of a Channel.
type Category string

const (
	CategoryAgent     Category = "agent"
	CategoryWorkspace Category = "workspace"
	CategoryUser      Category = "user"
	CategorySystem    Category = "system"
)

// Channel is a parsed, tagged channel identifier, e.g.
// "agent:output:ag_123" or "system:dcg".
type Channel struct {
	Category Category
	Subtopic string // "output", "state", "tools", "agents", "reservations", ...
	ID       string // entity id; empty for system channels
}

// String renders the canonical wire form of a Channel.
func (c Channel) String() string {
	if c.ID == "" {
		return fmt.Sprintf("%s:%s", c.Category, c.Subtopic)
	}
	return fmt.Sprintf("%s:%s:%s", c.Category, c.Subtopic, c.ID)
}

// Parse decodes a raw channel string into a Channel.
func Parse(raw string) (Channel, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return Channel{}, fmt.Errorf("channel: malformed %q", raw)
	}
	c := Channel{Category: Category(parts[0]), Subtopic: parts[1]}
	if len(parts) == 3 {
		c.ID = parts[2]
	}
	switch c.Category {
	case CategoryAgent, CategoryWorkspace, CategoryUser, CategorySystem:
	default:
		return Channel{}, fmt.Errorf("channel: unknown category %q", c.Category)
	}
	return c, nil
}

// AuthContext is the authenticated principal a subscribe/publish call is
// evaluated against.
type AuthContext struct {
	UserID       string
	APIKeyID     string
	WorkspaceIDs []string
	IsAdmin      bool
}

func (a AuthContext) authenticated() bool {
	return a.UserID != "" || a.APIKeyID != "" || a.IsAdmin
}

func (a AuthContext) memberOf(workspaceID string) bool {
	for _, w := range a.WorkspaceIDs {
		if w == workspaceID {
			return true
		}
	}
	return false
}

// Action distinguishes subscribe from publish for authorization purposes.
type Action string

const (
	ActionSubscribe Action = "subscribe"
	ActionPublish   Action = "publish"
)

// AgentAccessFunc resolves whether a user may access events for an agent.
// When nil, the hub falls back to "any authenticated user may subscribe,
// only admins may publish" per §4.C.
type AgentAccessFunc func(agentID, userID string, workspaceIDs []string) bool

// Authorize implements the §4.C authorization matrix. agentAccess may be nil.
func Authorize(c Channel, action Action, auth AuthContext, agentAccess AgentAccessFunc) bool {
	if auth.IsAdmin {
		return true
	}

	switch c.Category {
	case CategoryAgent:
		if action == ActionPublish {
			return false // only internal services publish agent events
		}
		if agentAccess != nil {
			return agentAccess(c.ID, auth.UserID, auth.WorkspaceIDs)
		}
		return auth.authenticated()

	case CategoryWorkspace:
		return auth.memberOf(c.ID)

	case CategoryUser:
		if action == ActionPublish && c.Subtopic == "mail" {
			return auth.authenticated()
		}
		return auth.authenticated() && auth.UserID == c.ID

	case CategorySystem:
		if action == ActionPublish {
			return false
		}
		return auth.authenticated()

	default:
		return false
	}
}

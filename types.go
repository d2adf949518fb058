package chittybroker

import (
	"github.com/google/uuid"

	"github.com/chittyos/chittybroker/internal/model"
)

// Context is the public representation of a context entity: a curated view of
// internal/model.ContextEntity for embedders. No internal package imports —
// safe to use from outside the module.
type Context struct {
	ID           uuid.UUID
	ChittyID     string
	ProjectPath  string
	Workspace    string
	SupportType  string
	Organization string
	TrustScore   float64
	TrustLevel   int
	Status       string
	Unsigned     bool
}

// Session is the public representation of a session binding.
type Session struct {
	ID           uuid.UUID
	ContextID    uuid.UUID
	SessionID    string
	Platform     string
	BoundAt      int64
	LastActivity int64
}

// toPublicContext converts the internal entity at the root boundary.
func toPublicContext(e *model.ContextEntity) *Context {
	if e == nil {
		return nil
	}
	return &Context{
		ID:           e.ID,
		ChittyID:     e.ChittyID,
		ProjectPath:  e.ProjectPath,
		Workspace:    e.Workspace,
		SupportType:  e.SupportType,
		Organization: e.Organization,
		TrustScore:   e.TrustScore,
		TrustLevel:   e.TrustLevel,
		Status:       string(e.Status),
		Unsigned:     e.Unsigned,
	}
}

// toPublicSession converts the internal binding at the root boundary.
func toPublicSession(b *model.SessionBinding) *Session {
	if b == nil {
		return nil
	}
	return &Session{
		ID:           b.ID,
		ContextID:    b.ContextID,
		SessionID:    b.SessionID,
		Platform:     b.Platform,
		BoundAt:      b.BoundAt,
		LastActivity: b.LastActivity,
	}
}

package resolver

import (
	"strings"

	"github.com/chittyos/chittybroker/internal/integrity"
)

// Hints carries what a client knows about its environment when asking to be
// resolved. SupportType defaults to "development" when empty.
type Hints struct {
	ProjectPath      string `json:"projectPath,omitempty"`
	Workspace        string `json:"workspace,omitempty"`
	SupportType      string `json:"supportType,omitempty"`
	Organization     string `json:"organization,omitempty"`
	ExplicitChittyID string `json:"explicitChittyId,omitempty"`
}

// normalize trims fields and applies the support-type default.
func (h Hints) normalize() Hints {
	h.ProjectPath = strings.TrimSpace(h.ProjectPath)
	h.Workspace = strings.TrimSpace(h.Workspace)
	h.SupportType = strings.TrimSpace(h.SupportType)
	h.Organization = strings.TrimSpace(h.Organization)
	h.ExplicitChittyID = strings.TrimSpace(h.ExplicitChittyID)
	if h.SupportType == "" {
		h.SupportType = "development"
	}
	return h
}

// sufficient reports whether the hints can identify anything at all.
func (h Hints) sufficient() bool {
	return h.ProjectPath != "" || h.Workspace != "" || h.ExplicitChittyID != ""
}

// fingerprint computes the stable anchor hash over the static anchors.
func (h Hints) fingerprint() string {
	return integrity.ComputeAnchorHash(h.ProjectPath, h.Workspace, h.SupportType, h.Organization)
}

// PendingContext is the not-yet-created context a create_new resolution
// carries; the client posts it back on confirmation.
type PendingContext struct {
	ProjectPath  string `json:"projectPath,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
	SupportType  string `json:"supportType"`
	Organization string `json:"organization,omitempty"`
	ContextHash  string `json:"contextHash"`
}

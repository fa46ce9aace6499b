package domain

import "time"

// Credential is a provider secret scoped to a project. Only active,
// non-deleted credentials are eligible for lookup.
type Credential struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Provider  string    `json:"provider"`
	Label     string    `json:"label"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// Usable reports whether the credential may be handed to a gateway adapter.
func (c Credential) Usable() bool { return c.Active && !c.Deleted }

package model

// Actor is a person known to the directory.
type Actor struct {
	ID    string   `json:"id" yaml:"id"`
	Name  string   `json:"name" yaml:"name"`
	Email string   `json:"email" yaml:"email"`
	Roles []string `json:"roles,omitempty" yaml:"roles"`
}

// Summary returns the identity fields shown next to workflows.
func (a Actor) Summary() ActorSummary {
	return ActorSummary{ID: a.ID, Name: a.Name, Email: a.Email}
}

// ActorSummary is the identity of an actor as joined into listings.
type ActorSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

package tenants

// Summary is the tenant record embedded in a user profile.
type Summary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Plan   string `json:"plan,omitempty"`
	Status string `json:"status,omitempty"`
}

// Candidate is one tenant a shared set of credentials can sign into. Candidates
// only exist for the life of a login conflict and are never persisted.
type Candidate struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

package models

// Principal is the authenticated caller derived from the identity provider's
// bearer credential. The replication core only consumes "is authenticated",
// "has scope X" and a stable user id to partition storage.
type Principal struct {
	UserID string
	Scopes []string
}

// HasScope reports whether the credential carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

package client

// Identity reports who the client syncs as. Drivers consult it before every
// cycle: a signed-out identity or one missing the collection scope idles the
// driver without tearing it down.
type Identity interface {
	UserID() string
	Authenticated() bool
	HasScope(scope string) bool
}

// StaticIdentity is an Identity with a fixed user and scope set, for headless
// clients holding a long-lived credential.
type StaticIdentity struct {
	User   string
	Scopes []string
}

func (s StaticIdentity) UserID() string { return s.User }

func (s StaticIdentity) Authenticated() bool { return s.User != "" }

func (s StaticIdentity) HasScope(scope string) bool {
	for _, have := range s.Scopes {
		if have == scope {
			return true
		}
	}
	return false
}

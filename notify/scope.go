package notify

/*
	A scope names a recipient set for delivery: either every connected
	client, or the connections joined to one user's room. Scopes are
	comparable values so they key the registry's rooms and the batcher's
	pending state directly. Adding another scope kind later (teams, etc.)
	means another constructor here, not a wire format change.
*/

type Scope struct {
	user string
}

// GlobalScope addresses every connected client.
func GlobalScope() Scope {
	return Scope{}
}

// UserScope addresses the connections joined to the given user's room.
func UserScope(userID string) Scope {
	return Scope{user: userID}
}

func (s Scope) IsGlobal() bool {
	return s.user == ""
}

// UserID returns the user the scope addresses, empty for the global scope.
func (s Scope) UserID() string {
	return s.user
}

func (s Scope) String() string {
	if s.user == "" {
		return "global"
	}
	return "user:" + s.user
}

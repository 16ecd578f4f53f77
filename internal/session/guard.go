package session

// Decision is what a route should do given the current session state.
// Exactly one of Pending, Render, or a non-empty RedirectTo applies.
type Decision struct {
	Pending    bool
	Render     bool
	RedirectTo string
}

const (
	RedirectLogin     = "/login"
	RedirectDashboard = "/dashboard"
)

// Guard is a pure function of (state, requirements). It holds for
// every state, so a route can never end up rendering against a broken
// session.
func Guard(st State, sess *Session, requireAuth, requireAdmin bool) Decision {
	switch st {
	case StateUnknown, StateChecking, StateExpiredRefreshing:
		return Decision{Pending: true}
	case StateAuthenticated:
		if requireAdmin && (sess == nil || !sess.IsAdmin()) {
			return Decision{RedirectTo: RedirectDashboard}
		}
		return Decision{Render: true}
	default: // StateUnauthenticated
		if requireAuth || requireAdmin {
			return Decision{RedirectTo: RedirectLogin}
		}
		return Decision{Render: true}
	}
}

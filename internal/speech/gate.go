package speech

import "context"

// Authorization is the decision of a capability gate.
type Authorization int

const (
	AuthorizationNotDetermined Authorization = iota
	AuthorizationDenied
	AuthorizationRestricted
	AuthorizationGranted
)

func (a Authorization) String() string {
	switch a {
	case AuthorizationGranted:
		return "authorized"
	case AuthorizationDenied:
		return "denied"
	case AuthorizationRestricted:
		return "restricted"
	default:
		return "not_determined"
	}
}

// ParseAuthorization maps a wire status onto an Authorization. Unknown
// values are not determined.
func ParseAuthorization(status string) Authorization {
	switch status {
	case "authorized", "granted":
		return AuthorizationGranted
	case "denied":
		return AuthorizationDenied
	case "restricted":
		return AuthorizationRestricted
	default:
		return AuthorizationNotDetermined
	}
}

// Gate decides whether a session may start. Authorize may suspend; gates
// backed by a static flag resolve immediately.
type Gate interface {
	// Available reports the current authorization flag without prompting.
	Available(ctx context.Context) bool
	Authorize(ctx context.Context) (Authorization, error)
}

package policy

// Objects and actions guarding the control plane's own admin surface. The
// admin API is authorized through the same engine it administers.
const (
	ObjectPolicies = "settings:policies"
	ObjectRoles    = "settings:roles"
	ObjectSessions = "settings:sessions"

	ActionManage = "manage"
	ActionRead   = "read"
)

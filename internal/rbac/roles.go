package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner   = "owner"
	RoleAgent   = "agent"
	RoleAnalyst = "analyst"
	// RoleSuperAdmin sees every workspace and operates the orphan bucket.
	RoleSuperAdmin = "super_admin"
	// RoleIngestOperator may reconcile orphans but not read other workspaces' calls. Hidden role.
	RoleIngestOperator = "ingest_operator"
)

// CallReaders may read call history and timelines within their workspace.
var CallReaders = []string{RoleOwner, RoleAgent, RoleAnalyst}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleIngestOperator }

package rbac

type Role string
type Action string

const (
	RoleEmployee   Role = "employee"
	RoleWorkshop   Role = "workshop"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

const (
	ActionRead      Action = "read"
	ActionInspect   Action = "inspect"
	ActionTimesheet Action = "timesheet"
	ActionWorkshop  Action = "workshop"
	ActionManage    Action = "manage"
	ActionAdmin     Action = "admin"
)

var grants = map[Role][]Action{
	RoleEmployee: {ActionRead, ActionInspect, ActionTimesheet},
	RoleWorkshop: {ActionRead, ActionInspect, ActionTimesheet, ActionWorkshop},
	RoleManager:  {ActionRead, ActionInspect, ActionTimesheet, ActionWorkshop, ActionManage},
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleSuperAdmin:
		return true
	}
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Normalize maps an unknown role name to the least privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleEmployee, RoleWorkshop, RoleManager, RoleAdmin, RoleSuperAdmin:
		return Role(role)
	default:
		return RoleEmployee
	}
}

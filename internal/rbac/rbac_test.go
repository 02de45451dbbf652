package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "employee inspect", role: RoleEmployee, action: ActionInspect, allow: true},
		{name: "employee workshop", role: RoleEmployee, action: ActionWorkshop, allow: false},
		{name: "employee manage", role: RoleEmployee, action: ActionManage, allow: false},
		{name: "workshop comment", role: RoleWorkshop, action: ActionWorkshop, allow: true},
		{name: "manager manage", role: RoleManager, action: ActionManage, allow: true},
		{name: "manager admin", role: RoleManager, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("ghost"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("manager") != RoleManager {
		t.Fatal("expected manager to survive normalization")
	}
	if Normalize("root") != RoleEmployee {
		t.Fatal("expected unknown role to fall back to employee")
	}
}

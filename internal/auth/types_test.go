package auth

import (
	"encoding/json"
	"testing"
)

func TestPermissionsJSON(t *testing.T) {
	cases := []struct {
		in      string
		all     bool
		allowed []string
		denied  []string
	}{
		{`"all"`, true, []string{"anything"}, nil},
		{`"ALL"`, true, []string{"x"}, nil},
		{`["a","b"]`, false, []string{"a", "b"}, []string{"c"}},
		{`["a","all"]`, true, []string{"z"}, nil},
		{`[" a ", ""]`, false, []string{"a"}, []string{""}},
		{`null`, false, nil, []string{"a"}},
		{`[]`, false, nil, []string{"a"}},
	}
	for _, tc := range cases {
		var p Permissions
		if err := json.Unmarshal([]byte(tc.in), &p); err != nil {
			t.Fatalf("Unmarshal(%s) error: %v", tc.in, err)
		}
		if p.All != tc.all {
			t.Fatalf("Unmarshal(%s).All = %v", tc.in, p.All)
		}
		for _, id := range tc.allowed {
			if !p.Allows(id) {
				t.Fatalf("Unmarshal(%s) should allow %q", tc.in, id)
			}
		}
		for _, id := range tc.denied {
			if p.Allows(id) {
				t.Fatalf("Unmarshal(%s) should deny %q", tc.in, id)
			}
		}
	}

	var bad Permissions
	if err := json.Unmarshal([]byte(`"some"`), &bad); err == nil {
		t.Fatalf("expected error for unknown string sentinel")
	}
}

func TestPermissionsMarshal(t *testing.T) {
	b, _ := json.Marshal(AllowAll())
	if string(b) != `"all"` {
		t.Fatalf("AllowAll marshals to %s", b)
	}
	b, _ = json.Marshal(AllowProjects("a", "b"))
	if string(b) != `["a","b"]` {
		t.Fatalf("AllowProjects marshals to %s", b)
	}
	b, _ = json.Marshal(Permissions{})
	if string(b) != `[]` {
		t.Fatalf("empty permissions marshal to %s", b)
	}
}

func TestUserCanonicalFieldWinsOverLegacy(t *testing.T) {
	var u User
	in := `{"password":"h","nombre":"N","rol":"r","permitted_projects":["a"],"dashboards_permitidos":"all"}`
	if err := json.Unmarshal([]byte(in), &u); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if u.PermittedProjects.All || !u.PermittedProjects.Allows("a") {
		t.Fatalf("canonical field must win: %+v", u.PermittedProjects)
	}
	if u.PasswordHash != "h" || u.DisplayName != "N" || u.Role != "r" {
		t.Fatalf("plain fields not decoded: %+v", u)
	}
}

func TestSnapshotCopiesPermissions(t *testing.T) {
	u := User{Username: "a", PasswordHash: "secret", PermittedProjects: AllowProjects("x")}
	snap := u.Snapshot()
	u.PermittedProjects.Projects[0] = "y"
	if snap.PasswordHash != "" {
		t.Fatalf("snapshot kept password hash")
	}
	if !snap.PermittedProjects.Allows("x") || snap.PermittedProjects.Allows("y") {
		t.Fatalf("snapshot shares the permissions slice: %+v", snap.PermittedProjects)
	}
}

package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"iats/internal/errs"
	"iats/pkg/types"
)

func token(t *testing.T, claims map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return base64.URLEncoding.EncodeToString(raw)
}

func TestSharedTokenGrantsAdmin(t *testing.T) {
	a := &Authenticator{Enabled: true, SharedToken: "dev-shared-token"}
	principal, err := a.Authenticate("Bearer dev-shared-token")
	if err != nil {
		t.Fatal(err)
	}
	if principal.Role != types.RoleAdmin {
		t.Errorf("role = %s", principal.Role)
	}
	if !principal.AllowedService("anything") {
		t.Error("shared token should reach all services")
	}
	if !principal.MayIngest() {
		t.Error("shared token should ingest")
	}
}

func TestClaimsToken(t *testing.T) {
	a := &Authenticator{Enabled: true, SharedToken: "other"}
	tok := token(t, map[string]any{
		"sub":        "oncall-1",
		"role":       "responder",
		"services":   []string{"checkout-api"},
		"can_ingest": true,
	})
	principal, err := a.Authenticate("Bearer " + tok)
	if err != nil {
		t.Fatal(err)
	}
	if principal.Subject != "oncall-1" || principal.Role != types.RoleResponder {
		t.Errorf("principal = %+v", principal)
	}
	if !principal.AllowedService("checkout-api") {
		t.Error("listed service should be allowed")
	}
	if principal.AllowedService("payments-api") {
		t.Error("unlisted service must be forbidden")
	}
	if !principal.MayIngest() {
		t.Error("can_ingest claim ignored")
	}
}

func TestDevPrefixedToken(t *testing.T) {
	a := &Authenticator{Enabled: true}
	tok := "dev." + token(t, map[string]any{"sub": "x", "role": "admin"})
	principal, err := a.Authenticate("Bearer " + tok)
	if err != nil {
		t.Fatal(err)
	}
	if principal.Role != types.RoleAdmin {
		t.Errorf("role = %s", principal.Role)
	}
}

func TestUnknownRoleDowngradesToViewer(t *testing.T) {
	a := &Authenticator{Enabled: true}
	tok := token(t, map[string]any{"sub": "x", "role": "superuser"})
	principal, err := a.Authenticate("Bearer " + tok)
	if err != nil {
		t.Fatal(err)
	}
	if principal.Role != types.RoleViewer {
		t.Errorf("unknown role should become viewer, got %s", principal.Role)
	}
	if principal.MayIngest() {
		t.Error("viewer without can_ingest must not ingest")
	}
}

func TestMissingOrInvalidToken(t *testing.T) {
	a := &Authenticator{Enabled: true, SharedToken: "s"}
	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer %%%not-base64%%%"} {
		_, err := a.Authenticate(header)
		if !errors.Is(err, errs.ErrUnauthenticated) {
			t.Errorf("header %q: expected unauthenticated, got %v", header, err)
		}
	}
}

func TestAuthDisabledYieldsDevAdmin(t *testing.T) {
	a := &Authenticator{Enabled: false}
	principal, err := a.Authenticate("")
	if err != nil {
		t.Fatal(err)
	}
	if principal.Role != types.RoleAdmin || !principal.MayIngest() {
		t.Errorf("disabled auth principal = %+v", principal)
	}
}

func TestWildcardServices(t *testing.T) {
	a := &Authenticator{Enabled: true}
	tok := token(t, map[string]any{"sub": "x", "role": "viewer", "services": []string{"*"}})
	principal, err := a.Authenticate("Bearer " + tok)
	if err != nil {
		t.Fatal(err)
	}
	if !principal.AllowedService("any-service") {
		t.Error("wildcard services entry should allow everything")
	}
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRoles(t *testing.T, roles []string, required ...string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	c := e.NewContext(req, httptest.NewRecorder())
	return RequireRole(required...)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		allowed  bool
	}{
		{"matching role", []string{"pharmacist"}, []string{"physician", "pharmacist"}, true},
		{"admin bypass", []string{"admin"}, []string{"physician"}, true},
		{"wrong role", []string{"nurse"}, []string{"physician", "pharmacist"}, false},
		{"no roles", nil, []string{"physician"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runWithRoles(t, tt.roles, tt.required...)
			if tt.allowed {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %v", err)
			}
			if httpErr.Message != "required role: physician or pharmacist" && len(tt.required) == 2 {
				t.Errorf("unexpected message %v", httpErr.Message)
			}
		})
	}
}

func TestHasRole(t *testing.T) {
	if !HasRole([]string{"nurse"}, "nurse") {
		t.Error("expected nurse to match")
	}
	if HasRole([]string{"nurse"}) {
		t.Error("no wanted roles should not match a non-admin")
	}
	if !HasRole([]string{"admin"}) {
		t.Error("admin should always match")
	}
}

func TestUserIDFromContext(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty user id, got %q", got)
	}
	ctx := WithUser(context.Background(), "dr-grey", []string{"physician"})
	if got := UserIDFromContext(ctx); got != "dr-grey" {
		t.Errorf("expected dr-grey, got %q", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "physician" {
		t.Errorf("unexpected roles %v", roles)
	}
}

package openapi

import (
	"encoding/json"
	"testing"
)

var testPrefixes = []string{"/api/v1/admin/", "/api/v1/payments"}

func TestGenerateSpec_Info(t *testing.T) {
	doc := GenerateSpec("1.2.3", "http://localhost:8080", testPrefixes)

	if doc.OpenAPI != "3.1.0" {
		t.Errorf("OpenAPI = %q, want 3.1.0", doc.OpenAPI)
	}
	if doc.Info.Version != "1.2.3" {
		t.Errorf("Info.Version = %q", doc.Info.Version)
	}
	if len(doc.Servers) != 1 || doc.Servers[0].URL != "http://localhost:8080" {
		t.Errorf("unexpected servers %+v", doc.Servers)
	}
	if GenerateSpec("", "", nil).Info.Version != "dev" {
		t.Error("empty version should default to dev")
	}
	if len(GenerateSpec("", "", nil).Servers) != 0 {
		t.Error("empty base URL should produce no servers")
	}
}

func TestGenerateSpec_AdminPaths(t *testing.T) {
	doc := GenerateSpec("1.0.0", "", nil)

	tests := []struct {
		path    string
		methods []string
	}{
		{"/api/v1/system/admin/session", []string{"POST", "DELETE"}},
		{"/api/v1/system/admin/session/refresh", []string{"POST"}},
		{"/api/v1/system/admin", []string{"GET", "POST"}},
		{"/api/v1/system/api-key", []string{"GET", "POST"}},
		{"/api/v1/system/api-key/{keyId}", []string{"GET", "PATCH", "DELETE"}},
		{"/api/v1/system/api-key/{keyId}/rotate", []string{"POST"}},
		{"/api/v1/system/api-key/{keyId}/suspend", []string{"POST"}},
		{"/api/v1/system/api-key/{keyId}/reactivate", []string{"POST"}},
		{"/api/v1/system/api-key/{keyId}/stats", []string{"GET"}},
	}
	for _, tt := range tests {
		item := doc.Paths.Value(tt.path)
		if item == nil {
			t.Errorf("missing path %s", tt.path)
			continue
		}
		for _, m := range tt.methods {
			if item.GetOperation(m) == nil {
				t.Errorf("%s: missing %s operation", tt.path, m)
			}
		}
	}
}

func TestGenerateSpec_Security(t *testing.T) {
	doc := GenerateSpec("1.0.0", "", testPrefixes)

	login := doc.Paths.Value("/api/v1/system/admin/session").Post
	if login.Security == nil || len(*login.Security) != 0 {
		t.Error("login must not require authentication")
	}

	rotate := doc.Paths.Value("/api/v1/system/api-key/{keyId}/rotate").Post
	if rotate.Security == nil || len(*rotate.Security) != 1 {
		t.Fatal("rotate must require bearer auth")
	}
	if _, ok := (*rotate.Security)[0]["bearerAuth"]; !ok {
		t.Error("rotate should use bearerAuth")
	}

	for _, name := range []string{"apiKey", "bearerAuth"} {
		if doc.Components.SecuritySchemes[name] == nil {
			t.Errorf("missing security scheme %s", name)
		}
	}
}

func TestGenerateSpec_ProtectedPaths(t *testing.T) {
	doc := GenerateSpec("1.0.0", "", testPrefixes)

	for _, path := range []string{"/api/v1/admin/whoami", "/api/v1/payments/whoami"} {
		item := doc.Paths.Value(path)
		if item == nil || item.Get == nil {
			t.Fatalf("missing GET %s", path)
		}
		for _, code := range []string{"200", "401", "403"} {
			if item.Get.Responses.Value(code) == nil {
				t.Errorf("%s: missing %s response", path, code)
			}
		}
	}
	if op := doc.Paths.Value("/api/v1/payments/whoami").Get; op.OperationID != "whoami_payments" {
		t.Errorf("operation id = %q", op.OperationID)
	}
}

func TestGenerateSpec_Schemas(t *testing.T) {
	doc := GenerateSpec("1.0.0", "", nil)

	for _, name := range []string{
		"ErrorResponse", "APIKeyError", "RateLimits", "APIKey",
		"GenerateRequest", "IssuedKey", "APIKeyStats", "TokenPair", "Admin",
	} {
		if doc.Components.Schemas[name] == nil {
			t.Errorf("missing schema %s", name)
		}
	}

	key := doc.Components.Schemas["APIKey"].Value
	if key.Properties["key_hash"] != nil {
		t.Error("APIKey schema must not expose key_hash")
	}
	status := key.Properties["status"].Value
	if len(status.Enum) != 5 {
		t.Errorf("status enum has %d values, want 5", len(status.Enum))
	}
	scopes := key.Properties["scopes"].Value.Items.Value
	if len(scopes.Enum) != 8 {
		t.Errorf("scope enum has %d values, want 8", len(scopes.Enum))
	}
}

func TestGenerateSpec_MarshalsToJSON(t *testing.T) {
	doc := GenerateSpec("1.0.0", "", testPrefixes)
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	paths, ok := decoded["paths"].(map[string]any)
	if !ok {
		t.Fatal("expected paths object")
	}
	if _, ok := paths["/api/v1/system/api-key/{keyId}/stats"]; !ok {
		t.Error("stats path missing from JSON")
	}
}

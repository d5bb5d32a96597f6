package openapi

import (
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

const (
	systemPrefix = "/api/v1/system"
	keyPath      = systemPrefix + "/api-key/{keyId}"
)

// GenerateSpec builds the OpenAPI document for the admin API and the
// API-key protected endpoints mounted under protectedPrefixes.
func GenerateSpec(version, baseURL string, protectedPrefixes []string) *openapi3.T {
	if version == "" {
		version = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Keyward API",
			Description: "API key lifecycle management and API-key protected endpoints.",
			Version:     version,
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{
		"ErrorResponse":   openapi3.NewSchemaRef("", errorResponseSchema()),
		"APIKeyError":     openapi3.NewSchemaRef("", apiKeyErrorSchema()),
		"RateLimits":      openapi3.NewSchemaRef("", rateLimitsSchema()),
		"APIKey":          openapi3.NewSchemaRef("", apiKeySchema()),
		"GenerateRequest": openapi3.NewSchemaRef("", generateRequestSchema()),
		"IssuedKey":       openapi3.NewSchemaRef("", issuedKeySchema()),
		"APIKeyStats":     openapi3.NewSchemaRef("", statsSchema()),
		"TokenPair":       openapi3.NewSchemaRef("", tokenPairSchema()),
		"Admin":           openapi3.NewSchemaRef("", adminSchema()),
	}
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "apiKey", In: "header", Name: "X-API-Key"},
		},
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	addSessionPaths(doc)
	addAdminPaths(doc)
	addAPIKeyPaths(doc)
	for _, prefix := range protectedPrefixes {
		addProtectedPath(doc, prefix)
	}
	return doc
}

func addSessionPaths(doc *openapi3.T) {
	login := openapi3.NewObjectSchema().
		WithProperty("email", openapi3.NewStringSchema()).
		WithProperty("password", openapi3.NewStringSchema().WithMinLength(8)).
		WithRequired([]string{"email", "password"})
	refresh := openapi3.NewObjectSchema().
		WithProperty("refresh_token", openapi3.NewStringSchema()).
		WithRequired([]string{"refresh_token"})

	doc.Paths.Set(systemPrefix+"/admin/session", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"session"},
			Summary:     "Log in as an admin",
			OperationID: "login",
			Security:    &openapi3.SecurityRequirements{},
			RequestBody: jsonBody(openapi3.NewSchemaRef("", login)),
			Responses:   newResponses("200", "Token pair", componentRef("TokenPair")),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"session"},
			Summary:     "Log out, revoking the refresh token",
			OperationID: "logout",
			Security:    &openapi3.SecurityRequirements{},
			RequestBody: jsonBody(openapi3.NewSchemaRef("", refresh)),
			Responses:   newResponses("200", "Session ended", nil),
		},
	})
	doc.Paths.Set(systemPrefix+"/admin/session/refresh", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"session"},
			Summary:     "Exchange a refresh token for a new token pair",
			OperationID: "refreshSession",
			Security:    &openapi3.SecurityRequirements{},
			RequestBody: jsonBody(openapi3.NewSchemaRef("", refresh)),
			Responses:   newResponses("200", "Token pair", componentRef("TokenPair")),
		},
	})
}

func addAdminPaths(doc *openapi3.T) {
	create := openapi3.NewObjectSchema().
		WithProperty("email", openapi3.NewStringSchema()).
		WithProperty("password", openapi3.NewStringSchema().WithMinLength(8)).
		WithProperty("name", openapi3.NewStringSchema()).
		WithRequired([]string{"email", "password"})

	doc.Paths.Set(systemPrefix+"/admin", &openapi3.PathItem{
		Get: adminOperation("admin", "List admins", "listAdmins", nil,
			newResponses("200", "Admins", openapi3.NewSchemaRef("", listSchema("Admin")))),
		Post: adminOperation("admin", "Create an admin", "createAdmin", jsonBody(openapi3.NewSchemaRef("", create)),
			newResponses("201", "Created admin", componentRef("Admin"))),
	})
}

func addAPIKeyPaths(doc *openapi3.T) {
	list := adminOperation("api-key", "List API keys", "listAPIKeys", nil,
		newResponses("200", "API keys, newest first", openapi3.NewSchemaRef("", listSchema("APIKey"))))
	list.Parameters = openapi3.Parameters{
		{Value: openapi3.NewQueryParameter("user_id").WithSchema(openapi3.NewStringSchema())},
		{Value: openapi3.NewQueryParameter("status").WithSchema(statusSchema())},
		{Value: openapi3.NewQueryParameter("limit").WithSchema(openapi3.NewInt32Schema().WithMin(1).WithMax(1000))},
	}
	doc.Paths.Set(systemPrefix+"/api-key", &openapi3.PathItem{
		Get: list,
		Post: adminOperation("api-key", "Generate an API key", "generateAPIKey",
			jsonBody(componentRef("GenerateRequest")),
			newResponses("201", "Generated key with its plaintext", componentRef("IssuedKey"))),
	})

	rename := openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(255)).
		WithRequired([]string{"name"})
	doc.Paths.Set(keyPath, &openapi3.PathItem{
		Parameters: keyIDParam(),
		Get: adminOperation("api-key", "Get an API key", "getAPIKey", nil,
			newResponses("200", "API key", componentRef("APIKey"))),
		Patch: adminOperation("api-key", "Rename an API key", "renameAPIKey", jsonBody(openapi3.NewSchemaRef("", rename)),
			newResponses("200", "Renamed key", componentRef("APIKey"))),
		Delete: adminOperation("api-key", "Revoke an API key", "revokeAPIKey", nil,
			newResponses("200", "Revoked", nil)),
	})

	actions := []struct {
		name, summary, id string
		schema            *openapi3.SchemaRef
	}{
		{"rotate", "Rotate an API key's secret", "rotateAPIKey", componentRef("IssuedKey")},
		{"suspend", "Suspend an API key", "suspendAPIKey", componentRef("APIKey")},
		{"reactivate", "Reactivate an API key", "reactivateAPIKey", componentRef("APIKey")},
	}
	for _, a := range actions {
		doc.Paths.Set(keyPath+"/"+a.name, &openapi3.PathItem{
			Parameters: keyIDParam(),
			Post:       adminOperation("api-key", a.summary, a.id, nil, newResponses("200", a.summary, a.schema)),
		})
	}
	doc.Paths.Set(keyPath+"/stats", &openapi3.PathItem{
		Parameters: keyIDParam(),
		Get: adminOperation("api-key", "API key usage statistics", "apiKeyStats", nil,
			newResponses("200", "Usage statistics", componentRef("APIKeyStats"))),
	})
}

func addProtectedPath(doc *openapi3.T, prefix string) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	identity := openapi3.NewObjectSchema().
		WithProperty("key_id", openapi3.NewUUIDSchema()).
		WithProperty("user_id", openapi3.NewStringSchema()).
		WithProperty("scopes", openapi3.NewArraySchema().WithItems(scopeSchema()))

	responses := openapi3.NewResponsesWithCapacity(6)
	responses.Set("200", jsonResponse("Identity of the presented API key", openapi3.NewSchemaRef("", identity)))
	responses.Set("401", jsonResponse("API key missing", componentRef("APIKeyError")))
	responses.Set("403", jsonResponse("API key invalid or not authorized", componentRef("APIKeyError")))

	name := strings.Trim(prefix, "/")
	name = name[strings.LastIndex(name, "/")+1:]
	doc.Paths.Set(prefix+"whoami", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"protected"},
			Summary:     "Identity of the calling API key",
			OperationID: "whoami_" + name,
			Security:    &openapi3.SecurityRequirements{{"apiKey": {}}},
			Responses:   responses,
		},
	})
}

func adminOperation(tag, summary, id string, body *openapi3.RequestBodyRef, responses *openapi3.Responses) *openapi3.Operation {
	return &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     summary,
		OperationID: id,
		Security:    &openapi3.SecurityRequirements{{"bearerAuth": {}}},
		RequestBody: body,
		Responses:   responses,
	}
}

func keyIDParam() openapi3.Parameters {
	return openapi3.Parameters{
		{Value: openapi3.NewPathParameter("keyId").WithSchema(openapi3.NewUUIDSchema())},
	}
}

func jsonBody(schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchemaRef(schema),
	}
}

func jsonResponse(description string, schema *openapi3.SchemaRef) *openapi3.ResponseRef {
	desc := description
	resp := &openapi3.Response{Description: &desc}
	if schema != nil {
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schema)
	}
	return &openapi3.ResponseRef{Value: resp}
}

// newResponses builds the success response plus the standard admin API
// error responses.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponsesWithCapacity(6)
	responses.Set(statusCode, jsonResponse(description, schema))

	errorRef := componentRef("ErrorResponse")
	responses.Set("400", jsonResponse("Bad request", errorRef))
	responses.Set("401", jsonResponse("Unauthorized", errorRef))
	responses.Set("404", jsonResponse("Not found", errorRef))
	responses.Set("409", jsonResponse("Conflict", errorRef))
	responses.Set("500", jsonResponse("Internal server error", errorRef))
	return responses
}

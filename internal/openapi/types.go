package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/faucetdb/keyward/internal/model"
)

func componentRef(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func scopeSchema() *openapi3.Schema {
	values := make([]interface{}, len(model.AllScopes))
	for i, sc := range model.AllScopes {
		values[i] = string(sc)
	}
	return openapi3.NewStringSchema().WithEnum(values...)
}

func statusSchema() *openapi3.Schema {
	return openapi3.NewStringSchema().WithEnum(
		string(model.StatusActive),
		string(model.StatusInactive),
		string(model.StatusRevoked),
		string(model.StatusExpired),
		string(model.StatusSuspended),
	)
}

func rateLimitsSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("per_minute", openapi3.NewInt32Schema()).
		WithProperty("per_hour", openapi3.NewInt32Schema()).
		WithProperty("per_day", openapi3.NewInt32Schema())
}

func apiKeySchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("key_prefix", openapi3.NewStringSchema().WithLength(8)).
		WithProperty("user_id", openapi3.NewStringSchema()).
		WithProperty("client_id", openapi3.NewStringSchema()).
		WithProperty("status", statusSchema()).
		WithProperty("scopes", openapi3.NewArraySchema().WithItems(scopeSchema())).
		WithPropertyRef("rate_limits", componentRef("RateLimits")).
		WithProperty("allowed_ips", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("updated_at", openapi3.NewDateTimeSchema()).
		WithProperty("last_used_at", openapi3.NewDateTimeSchema()).
		WithProperty("last_request_ip", openapi3.NewStringSchema()).
		WithProperty("total_requests", openapi3.NewInt64Schema()).
		WithProperty("expires_at", openapi3.NewDateTimeSchema()).
		WithProperty("is_rotatable", openapi3.NewBoolSchema()).
		WithProperty("rotation_interval_days", openapi3.NewInt32Schema()).
		WithProperty("last_rotated_at", openapi3.NewDateTimeSchema())
	s.Required = []string{"id", "name", "key_prefix", "status", "scopes", "rate_limits"}
	return s
}

func generateRequestSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(255)).
		WithProperty("scopes", openapi3.NewArraySchema().WithItems(scopeSchema())).
		WithProperty("user_id", openapi3.NewStringSchema()).
		WithProperty("client_id", openapi3.NewStringSchema()).
		WithProperty("expires_in_days", openapi3.NewInt32Schema().WithMin(0)).
		WithPropertyRef("rate_limits", componentRef("RateLimits")).
		WithProperty("allowed_ips", openapi3.NewArraySchema().WithItems(
			described(openapi3.NewStringSchema(), "IPv4/IPv6 address or CIDR prefix"))).
		WithProperty("is_rotatable", openapi3.NewBoolSchema()).
		WithProperty("rotation_interval_days", openapi3.NewInt32Schema().WithMin(0))
	s.Required = []string{"name"}
	return s
}

func issuedKeySchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("api_key", described(openapi3.NewStringSchema(), "Plaintext key. Returned once and never again.")).
		WithPropertyRef("key", componentRef("APIKey"))
}

func windowUsageSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("used", openapi3.NewInt64Schema()).
		WithProperty("limit", openapi3.NewInt32Schema()).
		WithProperty("remaining", openapi3.NewInt64Schema())
}

func statsSchema() *openapi3.Schema {
	usage := openapi3.NewObjectSchema().
		WithProperty("per_minute", windowUsageSchema()).
		WithProperty("per_hour", windowUsageSchema()).
		WithProperty("per_day", windowUsageSchema())
	return openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("status", statusSchema()).
		WithProperty("total_requests", openapi3.NewInt64Schema()).
		WithProperty("last_used_at", openapi3.NewDateTimeSchema()).
		WithProperty("last_request_ip", openapi3.NewStringSchema()).
		WithProperty("days_until_expiry", openapi3.NewInt32Schema()).
		WithProperty("needs_rotation", openapi3.NewBoolSchema()).
		WithProperty("rate_limit_usage", usage)
}

func tokenPairSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("access_token", openapi3.NewStringSchema()).
		WithProperty("refresh_token", openapi3.NewStringSchema()).
		WithProperty("token_type", openapi3.NewStringSchema().WithEnum("bearer")).
		WithProperty("expires_in", openapi3.NewInt32Schema())
}

func adminSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewInt64Schema()).
		WithProperty("email", openapi3.NewStringSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("is_active", openapi3.NewBoolSchema()).
		WithProperty("last_login_at", openapi3.NewDateTimeSchema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("updated_at", openapi3.NewDateTimeSchema())
}

func errorResponseSchema() *openapi3.Schema {
	detail := openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewInt32Schema()).
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("context", openapi3.NewObjectSchema())
	return openapi3.NewObjectSchema().WithProperty("error", detail)
}

func apiKeyErrorSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewStringSchema().WithEnum("API_KEY_ERROR")).
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("code", openapi3.NewStringSchema().WithEnum("INVALID_API_KEY"))
}

func listSchema(itemRef string) *openapi3.Schema {
	meta := openapi3.NewObjectSchema().
		WithProperty("count", openapi3.NewInt32Schema()).
		WithProperty("limit", openapi3.NewInt32Schema())
	return openapi3.NewObjectSchema().
		WithPropertyRef("resource", &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: componentRef(itemRef),
			},
		}).
		WithProperty("meta", meta)
}

func described(s *openapi3.Schema, desc string) *openapi3.Schema {
	s.Description = desc
	return s
}

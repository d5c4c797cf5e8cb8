package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

const (
	RoleQueryReader = "query_reader"
	RoleSchemaAdmin = "schema_admin"
)

// Identity is the caller resolved from an API key.
type Identity struct {
	Subject string
	Roles   []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

func (i Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses comma separated "key:subject:role|role" entries.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:subject:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		subject := strings.TrimSpace(parts[1])
		if key == "" || subject == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/subject", entry)
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		var roles []string
		for _, role := range strings.Split(parts[2], "|") {
			role = strings.TrimSpace(role)
			if role == "" || slices.Contains(roles, role) {
				continue
			}
			roles = append(roles, role)
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		slices.Sort(roles)
		validator.keys[key] = Identity{Subject: subject, Roles: roles}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

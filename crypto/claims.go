package crypto

import "github.com/golang-jwt/jwt/v5"

// Claims carries the identity fields stamped onto audit records.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	OrgID string   `json:"org_id,omitempty"`
}

func (c *Claims) GetRoles() []string {
	if c.Roles == nil {
		return []string{}
	}
	return c.Roles
}

// PrimaryRole is the first role the issuer listed, empty when none.
func (c *Claims) PrimaryRole() string {
	for _, r := range c.Roles {
		if r != "" {
			return r
		}
	}
	return ""
}

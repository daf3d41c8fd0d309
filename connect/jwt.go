package connect

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)


const hasuraClaimsNamespace = "https://hasura.io/jwt/claims"


// The claims the client reads from its own credential.
// The signature is verified by the backend, never by the client.
type CredentialClaims struct {
	UserId       string
	DefaultRole  string
	AllowedRoles []string
	// zero if the credential has no `exp`
	ExpiresAt time.Time
}

func (self *CredentialClaims) ExpiredAt(t time.Time) bool {
	return !self.ExpiresAt.IsZero() && !t.Before(self.ExpiresAt)
}


func ParseCredentialUnverified(credential string) (*CredentialClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(credential, gojwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, err)
	}

	claims := token.Claims.(gojwt.MapClaims)

	credentialClaims := &CredentialClaims{}

	if sub, err := claims.GetSubject(); err == nil {
		credentialClaims.UserId = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		credentialClaims.ExpiresAt = exp.Time
	}

	if hasuraClaims, ok := claims[hasuraClaimsNamespace].(map[string]any); ok {
		if userId, ok := hasuraClaims["x-hasura-user-id"].(string); ok {
			credentialClaims.UserId = userId
		}
		if defaultRole, ok := hasuraClaims["x-hasura-default-role"].(string); ok {
			credentialClaims.DefaultRole = defaultRole
		}
		if allowedRoles, ok := hasuraClaims["x-hasura-allowed-roles"].([]any); ok {
			for _, allowedRole := range allowedRoles {
				if role, ok := allowedRole.(string); ok {
					credentialClaims.AllowedRoles = append(credentialClaims.AllowedRoles, role)
				}
			}
		}
	}

	return credentialClaims, nil
}

package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
)

const contextOwnerKey = "owner"

// SessionClaims are the claims of a UI session token. OrgID scopes the
// session to an organization balance.
type SessionClaims struct {
	OrgID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// AuthRequired validates an HS256 bearer token and resolves the owner the
// request acts on.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims, err := s.parseSession(parts[1])
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		owner := ownerdomain.User(claims.Subject)
		if orgID := strings.TrimSpace(claims.OrgID); orgID != "" {
			owner = ownerdomain.Organization(orgID)
		}
		if err := owner.Validate(); err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextOwnerKey, owner)
		c.Request = c.Request.WithContext(obscontext.WithOwner(c.Request.Context(), string(owner.Kind), owner.ID))
		c.Next()
	}
}

func (s *Server) parseSession(raw string) (*SessionClaims, error) {
	if s.jwtSecret == nil {
		return nil, ErrUnauthorized
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func ownerFromContext(c *gin.Context) (ownerdomain.Owner, bool) {
	value, ok := c.Get(contextOwnerKey)
	if !ok {
		return ownerdomain.Owner{}, false
	}
	owner, ok := value.(ownerdomain.Owner)
	return owner, ok
}

package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/pkg/utils"
)

const identityKey = "auth_user"

// Claims is the JWT payload issued by the account service
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// extractToken reads the bearer header, falling back to the token query
// parameter for websocket upgrades
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

func parseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token missing user id")
	}
	return claims, nil
}

// AuthRequired rejects requests without a valid token
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			utils.SendUnauthorized(c, "Authentication required")
			c.Abort()
			return
		}
		claims, err := parseToken(secret, tokenString)
		if err != nil {
			utils.SendUnauthorized(c, "Invalid or expired token")
			c.Abort()
			return
		}
		c.Set(identityKey, models.UserRef{
			ID:          claims.UserID,
			DisplayName: claims.DisplayName,
			Avatar:      claims.Avatar,
		})
		c.Next()
	}
}

// OptionalAuth attaches identity when a valid token is present and lets the
// request through either way
func OptionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString != "" {
			if claims, err := parseToken(secret, tokenString); err == nil {
				c.Set(identityKey, models.UserRef{
					ID:          claims.UserID,
					DisplayName: claims.DisplayName,
					Avatar:      claims.Avatar,
				})
			}
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated identity, if any
func CurrentUser(c *gin.Context) (models.UserRef, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return models.UserRef{}, false
	}
	user, ok := v.(models.UserRef)
	return user, ok
}

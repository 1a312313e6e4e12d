package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/model"
)

const (
	walletKey = "wallet"
	roleKey   = "role"
)

// AuthMiddleware accepts HS256 bearer tokens whose subject is a wallet address.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		token, err := jwt.Parse(header[7:], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			return
		}

		sub, _ := claims["sub"].(string)
		wallet, err := ledger.NormalizeAddress(sub)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid wallet"})
			return
		}

		role, _ := claims["role"].(string)
		c.Set(walletKey, wallet)
		c.Set(roleKey, model.Role(role))
		c.Next()
	}
}

// RequireRole lets admins through along with the listed roles.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		if role == model.RoleAdmin {
			c.Next()
			return
		}
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}

func GetWallet(c *gin.Context) string {
	w, _ := c.Get(walletKey)
	s, _ := w.(string)
	return s
}

func GetRole(c *gin.Context) model.Role {
	role, _ := c.Get(roleKey)
	r, _ := role.(model.Role)
	return r
}

package auth

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	CtxUserIDKey = "user_id"
	CtxRoleKey   = "role"
)

// RequireAuth: Authorization: Bearer <token> を検証して context に user_id(int64)/role を詰める
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing Authorization header")
			return
		}

		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid Authorization header")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "empty token")
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			// alg 固定（none攻撃とか回避）
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || token == nil || !token.Valid {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid claims")
			return
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing sub")
			return
		}
		uid, err := strconv.ParseInt(sub, 10, 64)
		if err != nil || uid <= 0 {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid sub")
			return
		}

		role := ""
		if v, ok := claims["role"].(string); ok {
			role = v
		}

		c.Set(CtxUserIDKey, uid)
		c.Set(CtxRoleKey, role)
		c.Next()
	}
}

// RequireRole: 例) admin のみ許可したい時に追加
func RequireRole(roles ...string) gin.HandlerFunc {
	roleSet := make(map[string]struct{})
	for _, r := range roles {
		if r == "" {
			continue
		}
		roleSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role := Role(c)
		if role == "" {
			abort(c, http.StatusForbidden, "FORBIDDEN", "missing role")
			return
		}
		if _, allowed := roleSet[role]; !allowed {
			abort(c, http.StatusForbidden, "FORBIDDEN", "forbidden")
			return
		}
		c.Next()
	}
}

// UserID は RequireAuth が詰めたユーザー ID
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(CtxUserIDKey)
	if !ok {
		return 0, false
	}
	uid, ok := v.(int64)
	return uid, ok && uid > 0
}

func Role(c *gin.Context) string {
	return c.GetString(CtxRoleKey)
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorDTO{Error: errorBody{Code: code, Message: msg}})
}

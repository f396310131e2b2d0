package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	contextUserIDKey = "user_id"
	contextEmailKey  = "user_email"
)

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// AuthRequired validates a bearer token minted by the auth service and puts
// the subject (a user uuid) and email on the request context.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AuthJWTSecret == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.AuthJWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		subject, err := claims.GetSubject()
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if _, err := uuid.Parse(subject); err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, subject)
		if email, ok := claims["email"].(string); ok {
			c.Set(contextEmailKey, email)
		}
		c.Next()
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}

func currentUserEmail(c *gin.Context) string {
	return c.GetString(contextEmailKey)
}

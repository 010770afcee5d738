package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"

	"racesow/internal/models"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// serverKey is the fiber.Ctx Locals key holding the authenticated *models.Server
const serverKey = "racesow.server"

// ServerLookup finds a game server by ID
type ServerLookup interface {
	GetServer(ctx context.Context, id uint) (*models.Server, error)
}

// ServerToken returns the token a game server sends for uTime:
// base64url(sha256("uTime|key")) with padding.
func ServerToken(uTime, key string) string {
	sum := sha256.Sum256([]byte(uTime + "|" + key))
	return base64.URLEncoding.EncodeToString(sum[:])
}

// ServerAuth authenticates game servers from the uTime and sToken
// parameters, read from the query string or the form body. sToken is
// "<serverID>.<token>". With disabled set every request passes unauthenticated.
func ServerAuth(servers ServerLookup, disabled bool, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if disabled {
			return c.Next()
		}

		uTime := param(c, "uTime")
		sToken := param(c, "sToken")
		sid, token, ok := strings.Cut(sToken, ".")
		if uTime == "" || !ok {
			return fiber.NewError(fiber.StatusForbidden, "missing server credentials")
		}

		id, err := strconv.ParseUint(sid, 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusForbidden, "invalid server credentials")
		}
		server, err := servers.GetServer(c.UserContext(), uint(id))
		if err != nil {
			logger.Warn("server authentication failed", zap.Uint64("server_id", id), zap.Error(err))
			return fiber.NewError(fiber.StatusForbidden, "invalid server credentials")
		}

		// '+' arrives as a space when the token was not URL-encoded
		token = strings.ReplaceAll(token, " ", "+")
		expected := ServerToken(uTime, server.AuthKey)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
			logger.Warn("server token mismatch", zap.Uint("server_id", server.ID))
			return fiber.NewError(fiber.StatusForbidden, "invalid server credentials")
		}

		c.Locals(serverKey, server)
		return c.Next()
	}
}

// Server returns the authenticated server, if any
func Server(c *fiber.Ctx) (*models.Server, bool) {
	s, ok := c.Locals(serverKey).(*models.Server)
	return s, ok
}

func param(c *fiber.Ctx, key string) string {
	if v := c.Query(key); v != "" {
		return v
	}
	return c.FormValue(key)
}

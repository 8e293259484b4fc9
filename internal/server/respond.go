package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/vonshlovens/drivesync-pg/internal/common"
)

const principalKey = "principal"

// envelope is the body of every API response
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(envelope{Success: true, Data: data})
}

func created(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(envelope{Success: true, Data: data})
}

// statusFor maps an error chain onto an HTTP status
func statusFor(err error) int {
	if errors.Is(err, common.ErrUnsupportedMimeType) {
		return fiber.StatusUnsupportedMediaType
	}
	switch common.Categorize(err) {
	case common.CategoryUnauthorized:
		return fiber.StatusUnauthorized
	case common.CategoryNotFound:
		return fiber.StatusNotFound
	case common.CategoryPermissionDenied:
		return fiber.StatusForbidden
	case common.CategoryValidation:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// handleError renders errors returned by handlers as envelopes
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(envelope{Error: fe.Message})
	}

	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	} else {
		s.logger.Debug("request rejected", "method", c.Method(), "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(envelope{Error: common.UserMessage(err)})
}

// authenticate resolves a bearer token to a principal. Unknown tokens are
// rejected; missing tokens leave the request anonymous.
func (s *Server) authenticate(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return c.Next()
	}

	token, found := strings.CutPrefix(header, "Bearer ")
	principal, known := s.tokens[strings.TrimSpace(token)]
	if !found || !known || principal == "" {
		return common.ErrUnauthorized
	}
	c.Locals(principalKey, principal)
	return c.Next()
}

func (s *Server) requirePrincipal(c *fiber.Ctx) error {
	if principalOf(c) == "" {
		return common.ErrUnauthorized
	}
	return c.Next()
}

func principalOf(c *fiber.Ctx) string {
	p, _ := c.Locals(principalKey).(string)
	return p
}

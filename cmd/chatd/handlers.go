package main

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/davidolumide/chatsync/internal/auth"
	"github.com/davidolumide/chatsync/internal/chat"
	"github.com/davidolumide/chatsync/internal/data"
	"github.com/davidolumide/chatsync/internal/middleware"
	"github.com/davidolumide/chatsync/internal/store"
)

// api bundles the stores and auth manager behind the HTTP surface.
type api struct {
	store store.Store
	users *data.UsersStore
	convs *chat.Conversations
	msgs  *chat.Messages
	auth  *auth.JWTManager
}

func newAPI(st store.Store, jwtMgr *auth.JWTManager) *api {
	return &api{
		store: st,
		users: data.NewUsersStore(st),
		convs: chat.NewConversations(st),
		msgs:  chat.NewMessages(st),
		auth:  jwtMgr,
	}
}

func (a *api) routes(app *fiber.App, limiter *middleware.LimiterStore) {
	limited := middleware.RateLimit(limiter)
	app.Post("/api/register", limited, a.register)
	app.Post("/api/login", limited, a.login)

	authed := app.Group("/api", a.requireAuth)
	authed.Get("/users", a.listUsers)
	authed.Post("/conversations/direct", a.startDirect)
	authed.Post("/conversations/group", a.createGroup)
	authed.Patch("/conversations/:id/name", a.renameGroup)
	authed.Post("/conversations/:id/members", a.addMember)
	authed.Delete("/conversations/:id/members/:userID", a.removeMember)
	authed.Post("/conversations/:id/messages", a.sendMessage)
	authed.Patch("/messages/:id", a.editMessage)
	authed.Delete("/messages/:id", a.deleteMessage)
	authed.Get("/ws", websocket.New(a.chatSocket))
}

// requireAuth validates the bearer token (or, for websocket upgrades, the
// token query parameter) and stashes the claims in the request locals.
func (a *api) requireAuth(c *fiber.Ctx) error {
	token := strings.TrimSpace(strings.TrimPrefix(c.Get("Authorization"), "Bearer"))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing token")
	}
	claims, err := a.auth.VerifyToken(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	c.Locals("claims", claims)
	return c.Next()
}

func claimsFrom(c *fiber.Ctx) *auth.Claims {
	claims, _ := c.Locals("claims").(*auth.Claims)
	return claims
}

// respondError maps the store/domain failure taxonomy onto HTTP statuses. The
// provisioning case is deliberately distinct: it is a transient backend-setup
// state, not a failure, and clients should retry.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrProvisioning):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":     "please wait while the backend finishes setting up; this may take a few minutes",
			"retryable": true,
		})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, data.ErrUserNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	case errors.Is(err, store.ErrDuplicateKey), errors.Is(err, data.ErrUserExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already exists"})
	case errors.Is(err, chat.ErrSameUser):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	log.Printf("request failed: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (a *api) register(c *fiber.Ctx) error {
	var body credentials
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if body.Email == "" || body.Password == "" {
		return fiber.NewError(fiber.StatusBadRequest, "email and password are required")
	}

	hashed, err := auth.HashPassword(body.Password)
	if err != nil {
		return respondError(c, err)
	}
	user, err := a.users.CreateUser(c.Context(), body.Email, hashed, body.Name)
	if err != nil {
		return respondError(c, err)
	}

	token, expiresAt, err := a.auth.GenerateToken(user.ID, user.Email, user.Name)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"token":      token,
		"user_id":    user.ID,
		"expires_at": expiresAt,
	})
}

func (a *api) login(c *fiber.Ctx) error {
	var body credentials
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}

	user, err := a.users.GetUserByEmail(c.Context(), body.Email)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		return respondError(c, err)
	}
	if err := auth.CheckPassword(user.Password, body.Password); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}

	token, expiresAt, err := a.auth.GenerateToken(user.ID, user.Email, user.Name)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"token":      token,
		"user_id":    user.ID,
		"expires_at": expiresAt,
	})
}

func (a *api) listUsers(c *fiber.Ctx) error {
	users, err := a.users.ListUsers(c.Context(), claimsFrom(c).UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(users)
}

func (a *api) startDirect(c *fiber.Ctx) error {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "user_id is required")
	}

	id, err := a.convs.FindOrCreateDirect(c.Context(), claimsFrom(c).UserID, body.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"conversation_id": id})
}

func (a *api) createGroup(c *fiber.Ctx) error {
	var body struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}
	if err := c.BodyParser(&body); err != nil || body.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}

	owner := claimsFrom(c).UserID
	participants := body.Participants
	included := false
	for _, p := range participants {
		if p == owner {
			included = true
			break
		}
	}
	if !included {
		participants = append(participants, owner)
	}

	id, err := a.convs.CreateGroup(c.Context(), body.Name, participants, owner)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation_id": id})
}

func (a *api) renameGroup(c *fiber.Ctx) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if err := a.convs.Rename(c.Context(), c.Params("id"), body.Name); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) addMember(c *fiber.Ctx) error {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "user_id is required")
	}
	if err := a.convs.AddMember(c.Context(), c.Params("id"), body.UserID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) removeMember(c *fiber.Ctx) error {
	if err := a.convs.RemoveMember(c.Context(), c.Params("id"), c.Params("userID")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) sendMessage(c *fiber.Ctx) error {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}

	claims := claimsFrom(c)
	id, err := a.msgs.Send(c.Context(), c.Params("id"), body.Content, claims.UserID, claims.Name)
	if err != nil {
		if id == "" {
			return respondError(c, err)
		}
		// The message itself is persisted; only the denormalized preview on
		// the conversation is stale. The message list stays authoritative.
		log.Printf("stale last-message preview: %v", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message_id": id})
}

func (a *api) editMessage(c *fiber.Ctx) error {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if err := a.msgs.Edit(c.Context(), c.Params("id"), body.Content); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) deleteMessage(c *fiber.Ctx) error {
	if err := a.msgs.Delete(c.Context(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

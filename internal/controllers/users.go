package controllers

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/errors"
	"github.com/luciancaetano/kephasgate/internal/kernel"
	"github.com/luciancaetano/kephasgate/internal/store"
	"github.com/luciancaetano/kephasgate/internal/validator"
)

// UserType is the identity type of self-registered accounts.
const UserType = "user"

// Ping answers liveness probes.
type Ping struct {
	counter
}

// Rules implements kephasgate.Handler.
func (h *Ping) Rules() kephasgate.Rules { return nil }

// Invoke implements kephasgate.Handler.
func (h *Ping) Invoke(_ context.Context, _ *kephasgate.Call) (*kephasgate.Response, error) {
	h.hit()
	return kephasgate.Message(http.StatusOK, "pong"), nil
}

// RegisterUser creates an account.
type RegisterUser struct {
	counter
	deps Deps
}

// Rules implements kephasgate.Handler.
func (h *RegisterUser) Rules() kephasgate.Rules {
	return kephasgate.Rules{
		validator.RootAttribute: validator.RuleIsObject,
		"email":                 validator.RuleIsString,
		"password":              validator.RuleIsString + "," + validator.RuleConfirmed,
	}
}

// Invoke implements kephasgate.Handler.
func (h *RegisterUser) Invoke(ctx context.Context, call *kephasgate.Call) (*kephasgate.Response, error) {
	h.hit()

	body := call.Object()
	email := strings.TrimSpace(body["email"].(string))
	password := body["password"].(string)
	if !strings.Contains(email, "@") {
		return nil, kernel.ValidationError(map[string][]string{"email": {"attribute must be an email address"}})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.deps.BcryptCost)
	if err != nil {
		return nil, errors.Wrap(err, "RegisterUser", "Invoke", "hash password")
	}

	user := &store.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		Type:         UserType,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.deps.Users.Create(ctx, user); err != nil {
		if stderrors.Is(err, errors.ErrConflict) {
			return nil, kernel.NewError(http.StatusConflict, "email already registered")
		}
		return nil, err
	}

	h.deps.Logger.Info("User registered", zap.String("user_id", user.ID.String()))
	return kephasgate.JSON(http.StatusCreated, user), nil
}

// IssueToken exchanges credentials for a bearer token.
type IssueToken struct {
	counter
	deps Deps
}

type tokenResponse struct {
	Token     string `json:"token"`
	Type      string `json:"type"`
	ExpiresIn int64  `json:"expires_in"`
}

// Rules implements kephasgate.Handler.
func (h *IssueToken) Rules() kephasgate.Rules {
	return kephasgate.Rules{
		validator.RootAttribute: validator.RuleIsObject,
		"email":                 validator.RuleIsString,
		"password":              validator.RuleIsString,
	}
}

// Invoke implements kephasgate.Handler.
func (h *IssueToken) Invoke(ctx context.Context, call *kephasgate.Call) (*kephasgate.Response, error) {
	h.hit()

	body := call.Object()
	email := strings.TrimSpace(body["email"].(string))
	password := body["password"].(string)

	user, err := h.deps.Users.GetByEmail(ctx, email)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, kernel.NewError(http.StatusUnauthorized, "invalid credentials")
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, kernel.NewError(http.StatusUnauthorized, "invalid credentials")
	}

	token, err := h.deps.Auth.ToBearer(user.ID, user.Type)
	if err != nil {
		return nil, err
	}
	return kephasgate.JSON(http.StatusOK, tokenResponse{
		Token:     token,
		Type:      "Bearer",
		ExpiresIn: int64(h.deps.Auth.TTL().Seconds()),
	}), nil
}

// CurrentUser returns the authenticated account.
type CurrentUser struct {
	counter
	deps Deps
}

// Rules implements kephasgate.Handler.
func (h *CurrentUser) Rules() kephasgate.Rules { return nil }

// Invoke implements kephasgate.Handler.
func (h *CurrentUser) Invoke(ctx context.Context, call *kephasgate.Call) (*kephasgate.Response, error) {
	h.hit()
	return findUser(ctx, h.deps, call.Identity.ID)
}

// ShowUser returns an account by id.
type ShowUser struct {
	counter
	deps Deps
}

var showUserBindings = kephasgate.Rules{"id": validator.RuleIsUUID}

// Rules implements kephasgate.Handler.
func (h *ShowUser) Rules() kephasgate.Rules { return nil }

// Invoke implements kephasgate.Handler.
func (h *ShowUser) Invoke(ctx context.Context, call *kephasgate.Call) (*kephasgate.Response, error) {
	h.hit()

	bindings := map[string]any{"id": call.Binding("id")}
	if res := validator.Validate(showUserBindings, bindings); !res.Success {
		return nil, kernel.ValidationError(res.Errors)
	}
	return findUser(ctx, h.deps, uuid.MustParse(call.Binding("id")))
}

func findUser(ctx context.Context, deps Deps, id uuid.UUID) (*kephasgate.Response, error) {
	user, err := deps.Users.GetByID(ctx, id)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, kernel.NewError(http.StatusNotFound, kephasgate.MsgNotFound)
		}
		return nil, err
	}
	return kephasgate.JSON(http.StatusOK, user), nil
}

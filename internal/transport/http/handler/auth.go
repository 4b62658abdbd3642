package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pdfchat/internal/app"
	"pdfchat/internal/model"
	"pdfchat/internal/transport/http/response"
)

type Accounts interface {
	Register(ctx context.Context, input app.RegisterInput) (*app.AuthResult, error)
	Login(ctx context.Context, input app.LoginInput) (*app.AuthResult, error)
	Refresh(ctx context.Context, userID uint) (*app.AuthResult, error)
	GetUserByID(ctx context.Context, id uint) (*model.User, error)
}

type AuthHandler struct {
	accounts Accounts
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Email    string `json:"email" binding:"required,email,max=128"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

// LoginRequest.Login takes a username or an email address.
type LoginRequest struct {
	Login    string `json:"login" binding:"required,min=3,max=128"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

type profileResponse struct {
	ID          uint       `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func NewAuthHandler(accounts Accounts) *AuthHandler {
	return &AuthHandler{accounts: accounts}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.accounts.Register(c.Request.Context(), app.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(c, err, "register failed")
		return
	}
	response.OK(c, result)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.accounts.Login(c.Request.Context(), app.LoginInput{Login: req.Login, Password: req.Password})
	if err != nil {
		writeError(c, err, "login failed")
		return
	}
	response.OK(c, result)
}

// Refresh trades a still-valid token for a fresh one.
func (h *AuthHandler) Refresh(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	result, err := h.accounts.Refresh(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "refresh token failed")
		return
	}
	response.OK(c, result)
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	user, err := h.accounts.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "fetch current user failed")
		return
	}
	if user == nil {
		// Token outlived its account.
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "account no longer exists")
		return
	}
	response.OK(c, profileResponse{
		ID:          user.ID,
		Username:    user.Username,
		Email:       user.Email,
		CreatedAt:   user.CreatedAt,
		LastLoginAt: user.LastLoginAt,
	})
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return false
	}
	return true
}

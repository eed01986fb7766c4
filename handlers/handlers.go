// Package handlers binds the shortener and the identity provider to HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"quota-shortener/auth"
	"quota-shortener/middleware"
	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
	"quota-shortener/service"
)

type Handler struct {
	links *service.Shortener
	auth  *auth.Provider
	ping  func(ctx context.Context) error
}

// New creates the handler set. ping reports store health and may be nil.
func New(links *service.Shortener, provider *auth.Provider, ping func(ctx context.Context) error) *Handler {
	return &Handler{links: links, auth: provider, ping: ping}
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type createLinkRequest struct {
	Target string `json:"target" binding:"required,http_url,max=2048"`
}

type createLinkResponse struct {
	Code   string `json:"code"`
	Target string `json:"target"`
}

type linkResponse struct {
	Code      string    `json:"code"`
	Target    string    `json:"target"`
	HitCount  int64     `json:"hitCount"`
	CreatedAt time.Time `json:"createdAt"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// errorResponse documents the body written by middleware.ErrorHandler
type errorResponse struct {
	Error string `json:"error"`
}

func toLinkResponse(l models.ShortLink) linkResponse {
	return linkResponse{
		Code:      l.Code,
		Target:    l.Target,
		HitCount:  l.HitCount,
		CreatedAt: l.CreatedAt,
	}
}

// @Summary Register a user
// @Description Creates an account that can own short links
// @ID register
// @Accept json
// @Produce json
// @Param body body credentialsRequest true "Email and password"
// @Success 201 {object} userResponse
// @Failure 400 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Failure 429 {object} errorResponse
// @Router /auth/register [post]
// @Tags auth
func (h *Handler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest("Invalid request body"))
		return
	}

	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, userResponse{ID: user.ID, Email: user.Email})
}

// @Summary Log in
// @Description Exchanges credentials for a bearer token
// @ID login
// @Accept json
// @Produce json
// @Param body body credentialsRequest true "Email and password"
// @Success 200 {object} tokenResponse
// @Failure 400 {object} errorResponse
// @Failure 401 {object} errorResponse
// @Failure 429 {object} errorResponse
// @Router /auth/login [post]
// @Tags auth
func (h *Handler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest("Invalid request body"))
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// @Summary Log out
// @Description Revokes the presented bearer token
// @ID logout
// @Produce json
// @Security BearerAuth
// @Success 200 {object} messageResponse
// @Failure 401 {object} errorResponse
// @Router /auth/logout [post]
// @Tags auth
func (h *Handler) Logout(c *gin.Context) {
	token, _ := middleware.BearerToken(c)
	if err := h.auth.Logout(c.Request.Context(), token); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, messageResponse{Message: "Successfully logged out"})
}

// @Summary Create a new short URL
// @Description Shortens target for the caller, subject to the daily creation quota
// @ID createShortURL
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body createLinkRequest true "URL to be shortened"
// @Success 201 {object} createLinkResponse
// @Failure 400 {object} errorResponse
// @Failure 401 {object} errorResponse
// @Failure 429 {object} errorResponse
// @Failure 500 {object} errorResponse
// @Router /urls [post]
// @Tags urls
func (h *Handler) CreateShortURL(c *gin.Context) {
	var req createLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest("Invalid request body"))
		return
	}

	link, err := h.links.CreateLink(c.Request.Context(), middleware.OwnerID(c), req.Target)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, createLinkResponse{Code: link.Code, Target: link.Target})
}

// @Summary Get the caller's short URLs
// @Description Returns the caller's links, most visited first
// @ID getShortURLs
// @Produce json
// @Security BearerAuth
// @Success 200 {array} linkResponse
// @Failure 401 {object} errorResponse
// @Router /urls [get]
// @Tags urls
func (h *Handler) ListShortURLs(c *gin.Context) {
	links, err := h.links.ListLinks(c.Request.Context(), middleware.OwnerID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]linkResponse, 0, len(links))
	for _, l := range links {
		out = append(out, toLinkResponse(l))
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Redirect to original URL
// @Description Redirects to the target of the short code, subject to the per-code access quota
// @ID getOriginalURL
// @Param shortCode path string true "Short code of the URL"
// @Success 302 "Redirect to original URL"
// @Failure 404 {object} errorResponse
// @Failure 429 {object} errorResponse
// @Router /urls/{shortCode} [get]
// @Tags urls
func (h *Handler) Redirect(c *gin.Context) {
	hit, err := h.links.Resolve(c.Request.Context(), c.Param("shortCode"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Redirect(http.StatusFound, hit.Target)
}

// @Summary Get URL statistics
// @Description Returns one of the caller's links with its hit count
// @ID getURLStats
// @Produce json
// @Security BearerAuth
// @Param shortCode path string true "Short code of the URL"
// @Success 200 {object} linkResponse
// @Failure 401 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /urls/{shortCode}/stats [get]
// @Tags urls
func (h *Handler) Stats(c *gin.Context) {
	link, err := h.links.LinkStats(c.Request.Context(), middleware.OwnerID(c), c.Param("shortCode"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toLinkResponse(*link))
}

// @Summary Delete a short URL
// @Description Deletes one of the caller's links; other owners' links are reported as not found
// @ID deleteShortURL
// @Security BearerAuth
// @Param shortCode path string true "Short code of the URL to delete"
// @Success 204
// @Failure 401 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /urls/{shortCode} [delete]
// @Tags urls
func (h *Handler) DeleteShortURL(c *gin.Context) {
	if err := h.links.DeleteLink(c.Request.Context(), middleware.OwnerID(c), c.Param("shortCode")); err != nil {
		_ = c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

// @Summary Health check
// @ID health
// @Produce json
// @Success 200 {object} statusResponse
// @Failure 503 {object} statusResponse
// @Router /health [get]
// @Tags system
func (h *Handler) Health(c *gin.Context) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, statusResponse{Status: "ok"})
}

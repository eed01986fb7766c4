package handlers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "quota-shortener/docs" // Import docs for Swagger
	"quota-shortener/middleware"
)

// NewRouter wires the routes. ipGuard throttles the unauthenticated auth
// endpoints and may be nil.
func NewRouter(h *Handler, ipGuard *middleware.RateLimiter, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.ErrorHandler(logger))
	r.Use(cors.Default())

	requireAuth := middleware.RequireAuth(h.auth)

	authGroup := r.Group("/auth")
	if ipGuard != nil {
		authGroup.POST("/register", ipGuard.Limit, h.Register)
		authGroup.POST("/login", ipGuard.Limit, h.Login)
	} else {
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
	}
	authGroup.POST("/logout", requireAuth, h.Logout)

	urls := r.Group("/urls")
	urls.GET("/:shortCode", h.Redirect)
	urls.POST("", requireAuth, h.CreateShortURL)
	urls.GET("", requireAuth, h.ListShortURLs)
	urls.GET("/:shortCode/stats", requireAuth, h.Stats)
	urls.DELETE("/:shortCode", requireAuth, h.DeleteShortURL)

	r.GET("/health", h.Health)

	// Add Swagger documentation route
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "URL Shortener API", "docs": "/swagger/index.html"})
	})

	return r
}

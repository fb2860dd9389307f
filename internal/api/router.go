package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/api/middleware"
	"github.com/stitts-dev/links-live/pkg/config"
)

// NewRouter assembles the gin engine with middleware and routes
func NewRouter(cfg *config.Config, h *Handler, logger *logrus.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(splitOrigins(cfg.CORSOrigins)))

	r.GET("/health", h.Health)
	r.GET("/ws", middleware.OptionalAuth(cfg.JWTSecret), h.ServeWS)

	v1 := r.Group("/api/v1")
	{
		rounds := v1.Group("/rounds")
		{
			rounds.GET("/:id", h.GetRound)
			rounds.GET("/:id/leaderboard", h.GetLeaderboard)
			rounds.GET("/:id/messages", h.ListMessages)
		}
		v1.GET("/players/:id/active-round", middleware.AuthRequired(cfg.JWTSecret), h.GetActiveRound)
	}

	return r
}

func splitOrigins(raw string) []string {
	if raw == "" || raw == "*" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

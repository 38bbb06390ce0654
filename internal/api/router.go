package api

import (
	httpSwagger "github.com/swaggo/http-swagger"

	_ "chat-analytics-etl/docs"
	"chat-analytics-etl/internal/api/handler"
	"chat-analytics-etl/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.GET("/health", h.Health)
	r.POST("/etl", h.StartRun)
	r.GET("/etl", h.ListRuns)
	// More specific routes first
	r.POST("/etl/*/cancel", h.CancelRun)
	// Generic run route last
	r.GET("/etl/*", h.GetRun)
	r.GET("/swagger/*", router.HandlerFunc(httpSwagger.WrapHandler))
}

package main

import (
	"context"
	"net/http"

	"chatcall/internal/httpapi"
	"chatcall/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, ready func(context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "active_calls": h.Calls.Active()})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// NOTE: login stands in for the identity provider and is disabled in production.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	v1.Use(rbac.RequireGroup())
	{
		v1.GET("/me", h.Me)

		// CALL LOG routes: every caller sees only their own entries.
		v1.GET("/calls/history", h.History)
		v1.GET("/calls/summary", h.Summary)

		// CALLS routes
		calls := v1.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.CallRoles...))
		{
			calls.POST("/:call_id", h.StartOrJoin)
			calls.GET("/:call_id", h.GetCall)
			calls.DELETE("/:call_id", h.EndCall)
			calls.PATCH("/:call_id/media", h.SetMedia)
			calls.POST("/:call_id/reject", h.Reject)
			calls.GET("/:call_id/events", h.Events)
		}
	}
}

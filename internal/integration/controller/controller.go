// Package controller exposes the integration HTTP API.
package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
	"github.com/compasshq/compass/internal/integration/service"
)

// Controller handles HTTP endpoints for integrations.
type Controller struct {
	service *service.Service
	logger  *logger.Logger
}

// NewController creates a new integration controller.
func NewController(svc *service.Service, log *logger.Logger) *Controller {
	return &Controller{service: svc, logger: log}
}

// RegisterHTTPRoutes registers all integration HTTP routes.
func (c *Controller) RegisterHTTPRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/integrations")
	api.GET("/catalog", c.httpGetCatalog)
	api.GET("/status", c.httpGetStatus)

	// One wildcard name per segment: :id carries the provider id on the
	// connect and callback routes and the integration id everywhere else.
	api.POST("/:id/connect", c.httpConnect)
	api.GET("/:id/callback", c.httpCallback)
	api.DELETE("/:id", c.httpDisconnect)

	api.POST("/:id/sync", c.httpSyncOne)
	api.POST("/sync-all", c.httpSyncAll)
	api.POST("/:id/resume", c.httpResume)
	api.GET("/:id/items", c.httpListItems)

	api.POST("/:id/webhook", c.httpEnableWebhook)
	api.DELETE("/:id/webhook", c.httpDisableWebhook)
	api.POST("/webhooks/:provider/:id", c.httpReceiveWebhook)

	api.POST("/items/:itemId/processed", c.httpMarkItemProcessed)
	api.PUT("/items/:itemId", c.httpUpdateItem)
}

// httpGetCatalog returns the provider catalog grouped by category.
func (c *Controller) httpGetCatalog(ctx *gin.Context) {
	reg := c.service.Registry()
	if ctx.Query("available") == "true" {
		ctx.JSON(http.StatusOK, gin.H{"providers": reg.Available()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"providers":  reg.All(),
		"categories": reg.GroupedByCategory(),
	})
}

func (c *Controller) httpGetStatus(ctx *gin.Context) {
	userID := ctx.Query("user_id")
	if userID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	status, err := c.service.Status(ctx.Request.Context(), userID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"integrations": status})
}

// httpConnect starts the OAuth flow and returns the authorization URL.
func (c *Controller) httpConnect(ctx *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	url, err := c.service.ConnectURL(req.UserID, ctx.Param("id"))
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"authorization_url": url})
}

// httpCallback finishes the OAuth flow after the provider redirect.
func (c *Controller) httpCallback(ctx *gin.Context) {
	code := ctx.Query("code")
	state := ctx.Query("state")
	if code == "" || state == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "code and state are required"})
		return
	}
	in, err := c.service.CompleteConnect(ctx.Request.Context(), ctx.Param("id"), code, state)
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, in)
}

func (c *Controller) httpDisconnect(ctx *gin.Context) {
	if err := c.service.Disconnect(ctx.Request.Context(), ctx.Param("id")); err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.Status(http.StatusNoContent)
}

// httpSyncOne triggers a sync for one integration. full=true ignores the
// cursor and re-pulls the window.
func (c *Controller) httpSyncOne(ctx *gin.Context) {
	opts := models.SyncOptions{FullSync: ctx.Query("full") == "true"}
	res, err := c.service.SyncIntegration(ctx.Request.Context(), ctx.Param("id"), opts)
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, res)
}

func (c *Controller) httpSyncAll(ctx *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := c.service.SyncAllForUser(ctx.Request.Context(), req.UserID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"results": results})
}

func (c *Controller) httpResume(ctx *gin.Context) {
	if err := c.service.Resume(ctx.Request.Context(), ctx.Param("id")); err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (c *Controller) httpListItems(ctx *gin.Context) {
	items, err := c.service.ListItems(ctx.Request.Context(), ctx.Param("id"),
		models.ItemStatus(ctx.Query("status")))
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"items": items})
}

func (c *Controller) httpEnableWebhook(ctx *gin.Context) {
	var req struct {
		Events []string `json:"events"`
	}
	_ = ctx.ShouldBindJSON(&req)
	sub, err := c.service.EnableWebhook(ctx.Request.Context(), ctx.Param("id"), req.Events)
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, sub)
}

func (c *Controller) httpDisableWebhook(ctx *gin.Context) {
	if err := c.service.DisableWebhook(ctx.Request.Context(), ctx.Param("id")); err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.Status(http.StatusNoContent)
}

// httpReceiveWebhook ingests one external delivery. The signature comes
// from whichever header the provider uses; the common ones are checked in
// order.
func (c *Controller) httpReceiveWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	signature := firstHeader(ctx,
		"X-Hub-Signature-256",
		"Linear-Signature",
		"X-Compass-Signature",
	)
	result, err := c.service.HandleWebhook(ctx.Request.Context(), ctx.Param("id"), payload, signature)
	if err != nil {
		if errors.Is(err, provider.ErrBadSignature) {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
			return
		}
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, result)
}

// httpMarkItemProcessed is the downstream collaborator callback reporting
// derived entities for a pending item.
func (c *Controller) httpMarkItemProcessed(ctx *gin.Context) {
	var links models.ProcessedLinks
	if err := ctx.ShouldBindJSON(&links); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := c.service.Pipeline().MarkProcessed(ctx.Request.Context(), ctx.Param("itemId"), links); err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (c *Controller) httpUpdateItem(ctx *gin.Context) {
	var req struct {
		Status models.ItemStatus `json:"status" binding:"required"`
		Error  string            `json:"error"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := c.service.Pipeline().UpdateItem(ctx.Request.Context(), ctx.Param("itemId"), req.Status, req.Error); err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.Status(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBadState):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrNotConfigured):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func firstHeader(ctx *gin.Context, names ...string) string {
	for _, name := range names {
		if v := ctx.GetHeader(name); v != "" {
			return v
		}
	}
	return ""
}

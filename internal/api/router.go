// Package api holds the operator endpoints mounted on the scheduler's ops server.
package api

import (
	"github.com/gin-gonic/gin"
)

// Register mounts the operator routes under r (normally the /admin group).
func Register(r gin.IRouter, batches *BatchHandler, campaigns *CampaignHandler) {
	r.POST("/batches/:id/verify", batches.RequestVerification)
	r.GET("/batches/:id", batches.Get)
	r.GET("/campaigns/:id", campaigns.Get)
}

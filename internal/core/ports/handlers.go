package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	CreateStream(c *gin.Context)
	StopStream(c *gin.Context)
	ReleaseSubscriber(c *gin.Context)
	GetStatus(c *gin.Context)
	ListStreams(c *gin.Context)
	ServePlayback(c *gin.Context)
	GetSnapshot(c *gin.Context)
}

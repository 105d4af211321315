package router

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/stl-import/internal/api/handler"
	"github.com/cuongbtq/stl-import/internal/origin"
	"github.com/cuongbtq/stl-import/internal/realtime"
)

// Options are the non-handler collaborators of the router
type Options struct {
	Policy *origin.Policy
	Hub    *realtime.Hub
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware(opts.Policy, logger))

	r.GET("/health", handler.Health(deps))

	importHandler := handler.NewImportHandler(deps)

	// server-mediated import path
	r.POST("/import-stl", importHandler.ImportSTL)
	r.POST("/upload", importHandler.Upload)

	imports := r.Group("/imports")
	{
		imports.GET("", importHandler.ListImports)
		imports.GET("/:import_id", importHandler.GetImport)
		imports.POST("/:import_id/cancel", importHandler.CancelImport)
		imports.GET("/:import_id/file", importHandler.DownloadArtifact)
	}

	// realtime channel
	if opts.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			opts.Hub.ServeWS(c.Writer, c.Request)
		})
	}

	return r
}

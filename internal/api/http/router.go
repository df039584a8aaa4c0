package http

import (
	"github.com/gin-gonic/gin"

	"github.com/foldwatch/foldwatch/internal/api/http/handler"
	"github.com/foldwatch/foldwatch/internal/api/http/middleware"
	"github.com/foldwatch/foldwatch/internal/relay"
	"github.com/foldwatch/foldwatch/internal/state"
)

type Services struct {
	Store       *state.Store
	RelayClient *relay.Client

	// KeyLoadError is set when the identity keys failed to load and the
	// relay subsystem is disabled for the process lifetime.
	KeyLoadError error
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	snapshotHandler := handler.NewSnapshotHandler(srvs.Store, srvs.RelayClient, srvs.KeyLoadError)
	v1 := engine.Group("/api/v1")
	v1.GET("/snapshot", snapshotHandler.Latest)
	v1.GET("/status", snapshotHandler.Status)
}

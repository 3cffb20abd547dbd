package apis

import (
	"net/http"

	"github.com/alwitt/mqadmin/common"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// BuildAdminRouter define the router serving the admin API
func BuildAdminRouter(
	httpHandler APIRestAdminHandler, endpoints common.AdminEndpointConfig, metricsHandler http.Handler,
) *mux.Router {
	router := mux.NewRouter()
	if metricsHandler != nil && endpoints.MetricsPath != "" {
		router.Handle(endpoints.MetricsPath, metricsHandler).Methods("GET")
	}

	mainRouter := RegisterPathPrefix(router, endpoints.PathPrefix, nil)

	// Configuration
	configRouter := RegisterPathPrefix(mainRouter, "/configuration", MethodHandlers{
		"post": httpHandler.ApplyConfigurationHandler(),
	})
	perTypeRouter := RegisterPathPrefix(configRouter, "/{objectType}", MethodHandlers{
		"get": httpHandler.GetConfigurationHandler(),
	})
	_ = RegisterPathPrefix(perTypeRouter, "/{objectName}", MethodHandlers{
		"get":    httpHandler.GetConfigurationHandler(),
		"delete": httpHandler.DeleteConfigurationHandler(),
	})

	// Files
	_ = RegisterPathPrefix(mainRouter, "/file/{fileName}", MethodHandlers{
		"put": httpHandler.UploadFileHandler(),
	})

	// Service
	serviceRouter := RegisterPathPrefix(mainRouter, "/service", nil)
	_ = RegisterPathPrefix(serviceRouter, "/ClientSet", MethodHandlers{
		"delete": httpHandler.DeleteClientSetHandler(),
	})
	_ = RegisterPathPrefix(serviceRouter, "/task/{taskID}", MethodHandlers{
		"get": httpHandler.GetTaskHandler(),
	})
	_ = RegisterPathPrefix(serviceRouter, "/close/connection", MethodHandlers{
		"post": httpHandler.CloseConnectionHandler(),
	})
	_ = RegisterPathPrefix(serviceRouter, "/restart", MethodHandlers{
		"post": httpHandler.RestartServiceHandler(),
	})
	statusRouter := RegisterPathPrefix(serviceRouter, "/status", MethodHandlers{
		"get": httpHandler.ServiceStatusHandler(),
	})
	_ = RegisterPathPrefix(statusRouter, "/{component}", MethodHandlers{
		"get": httpHandler.ServiceStatusHandler(),
	})

	// Monitor
	_ = RegisterPathPrefix(mainRouter, "/monitor/{objectType}", MethodHandlers{
		"get": httpHandler.MonitorObjectsHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	router.Use(httpHandler.AttachRequestID)

	return router
}

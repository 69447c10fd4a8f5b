package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildforever/farm/pkg/orchestrator"
	api_v1_credential "github.com/buildforever/farm/pkg/server/api/v1/credential"
	api_v1_deploy "github.com/buildforever/farm/pkg/server/api/v1/deploy"
	api_v1_hypervisor "github.com/buildforever/farm/pkg/server/api/v1/hypervisor"
	api_v1_savedconfig "github.com/buildforever/farm/pkg/server/api/v1/savedconfig"
	"github.com/buildforever/farm/pkg/server/database"
	"github.com/buildforever/farm/pkg/server/middleware"
)

var requestTimeout = time.Second * 10

type Config struct {
	DeploymentStore  database.DeploymentStore
	CredentialStore  database.CredentialStore
	SavedConfigStore database.SavedConfigStore
	Orchestrator     *orchestrator.Orchestrator
	ClientFactory    orchestrator.ClientFactory
	ImageStorage     string
	MetricsPath      string
}

func New(cfg Config) chi.Router {
	prometheusMiddleware := middleware.PrometheusMiddlewareHandler("farmd")

	deploymentHandler := &api_v1_deploy.DeploymentHandler{
		DeploymentStore: cfg.DeploymentStore,
		CredentialStore: cfg.CredentialStore,
		Orchestrator:    cfg.Orchestrator,
		ClientFactory:   cfg.ClientFactory,
	}

	credentialHandler := &api_v1_credential.CredentialHandler{
		CredentialStore: cfg.CredentialStore,
		DeploymentStore: cfg.DeploymentStore,
	}

	savedConfigHandler := &api_v1_savedconfig.SavedConfigHandler{
		SavedConfigStore: cfg.SavedConfigStore,
	}

	hypervisorHandler := &api_v1_hypervisor.Handler{
		ClientFactory: cfg.ClientFactory,
		ImageStorage:  cfg.ImageStorage,
	}

	// Base settings for all requests
	router := chi.NewRouter()
	router.Use(
		chi_middleware.RequestID,
		middleware.RequestLogger(),
		prometheusMiddleware,
		chi_middleware.StripSlashes,
	)

	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Mount /metrics endpoint with no authentication
	router.Get(cfg.MetricsPath, promhttp.Handler().ServeHTTP)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(
			chi_middleware.AllowContentType("application/json"),
			chi_middleware.Timeout(requestTimeout),
		)

		r.Post("/deploy", deploymentHandler.Submit)
		r.Get("/deploy/{id}", deploymentHandler.Status)
		r.Get("/deploy/{id}/plan", deploymentHandler.DeploymentPlan)
		r.Post("/deploy/{id}/cancel", deploymentHandler.Cancel)
		r.Post("/plan", deploymentHandler.Plan)
		r.Get("/deployments", deploymentHandler.History)

		r.Get("/credentials", credentialHandler.List)
		r.Post("/credentials", credentialHandler.Create)
		r.Post("/credentials/generate", credentialHandler.Generate)
		r.Get("/credentials/{id}", credentialHandler.Get)
		r.Put("/credentials/{id}", credentialHandler.Update)
		r.Post("/credentials/{id}/default", credentialHandler.SetDefault)
		r.Delete("/credentials/{id}", credentialHandler.Delete)

		r.Get("/configs", savedConfigHandler.List)
		r.Post("/configs", savedConfigHandler.Save)
		r.Get("/configs/{id}", savedConfigHandler.Get)
		r.Delete("/configs/{id}", savedConfigHandler.Delete)

		r.Get("/profiles", hypervisorHandler.Profiles)
		r.Post("/hypervisor/probe", hypervisorHandler.Probe)
		r.Post("/hypervisor/capacity", hypervisorHandler.Capacity)
		r.Post("/hypervisor/images", hypervisorHandler.Images)
	})

	return router
}

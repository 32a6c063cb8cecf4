package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(
	manifestH *ManifestHandler,
	deploymentH *DeploymentHandler,
	processH *ProcessHandler,
	domainH *DomainHandler,
	blobH *BlobHandler,
	apiToken string,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// 签名即授权，见 BlobHandler
	r.Get("/blobs/*", blobH.Download)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware(apiToken))

		r.Route("/applications/{code}", func(r chi.Router) {
			// 云原生应用模型
			r.Route("/mres", func(r chi.Router) {
				r.Post("/", manifestH.Replace)
				r.Route("/deployments", func(r chi.Router) {
					r.Get("/", manifestH.ListDeploys)
					r.Post("/", manifestH.CreateDeploy)
				})
				r.Get("/status", manifestH.Status)
			})

			r.Route("/modules/{module}/envs/{env}", func(r chi.Router) {
				// 部署流水线
				r.Route("/deployments", func(r chi.Router) {
					r.Post("/", deploymentH.Create)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", deploymentH.Get)
						r.Post("/interruptions", deploymentH.Interrupt)
						r.Get("/events", deploymentH.Events)
					})
				})

				// 进程控制与实时视图
				r.Route("/processes", func(r chi.Router) {
					r.Post("/", processH.Update)
					r.Get("/", processH.List)
					r.Get("/watch", processH.Watch)
				})

				// custom 域名全量声明
				r.Put("/domains", domainH.AssignCustomHosts)
			})
		})
	})

	return r
}

// Package mgmt provides the management server with the project and domain
// api, image intake and metrics. It also serves the placeholder page the
// gateway routes to while a domain is still being provisioned.
package mgmt

import (
	"context"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selfcloud/selfcloud/app/container"
	"github.com/selfcloud/selfcloud/app/store"
)

// Server represents the admin rest server, listens on the loopback
// management port and doubles as the provisioning-gateway peer.
type Server struct {
	Listen      string
	Registry    *store.Service
	Engine      container.Engine
	Auth        *Auth
	Throttler   *Throttler
	OnlyFrom    *OnlyFrom // nil allows any source
	Metrics     *Metrics
	Version     string
	Placeholder *Placeholder // nil serves the default page
}

// Run activates the management server and blocks until the context is done
func (s *Server) Run(ctx context.Context) error {
	log.Printf("[INFO] start management server on %s", s.Listen)

	httpServer := http.Server{
		Addr:              s.Listen,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// no write timeout, image uploads can take a while
		IdleTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		err := httpServer.Shutdown(context.Background())
		log.Printf("[WARN] management server terminated, %v", err)
	}()

	return httpServer.ListenAndServe()
}

// handler builds the full middleware chain around the api routes
func (s *Server) handler() http.Handler {
	return R.Wrap(s.routes(),
		R.Recoverer(log.Default()),
		R.AppInfo("selfcloud-mgmt", "selfcloud", s.Version),
		R.Ping,
		s.Metrics.Middleware,
		s.OnlyFrom.Middleware,
		s.Throttler.Middleware,
		s.Auth.Middleware,
	)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/projects", s.listProjectsCtrl)
	mux.HandleFunc("POST /api/v1/projects", s.addProjectCtrl)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.getProjectCtrl)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.removeProjectCtrl)
	mux.HandleFunc("PUT /api/v1/projects/{id}/port", s.updatePortCtrl)
	mux.HandleFunc("PUT /api/v1/projects/{id}/container", s.updateContainerCtrl)

	mux.HandleFunc("GET /api/v1/projects/{id}/domains", s.listDomainsCtrl)
	mux.HandleFunc("POST /api/v1/projects/{id}/domains", s.addDomainCtrl)
	mux.HandleFunc("GET /api/v1/domains/{name}", s.getDomainCtrl)

	mux.HandleFunc("GET /api/v1/projects/{id}/container/inspect", s.containerInspectCtrl)
	mux.HandleFunc("GET /api/v1/projects/{id}/container/logs", s.containerLogsCtrl)
	mux.HandleFunc("POST /api/v1/projects/{id}/container/{action}", s.containerActionCtrl)

	mux.HandleFunc("POST /api/v1/image", s.imageUploadCtrl)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.healthCtrl)
	placeholder := s.Placeholder
	if placeholder == nil {
		placeholder = &Placeholder{}
	}
	mux.Handle("/", placeholder)

	return mux
}

// healthCtrl - GET /health, reports registry counters
func (s *Server) healthCtrl(w http.ResponseWriter, _ *http.Request) {
	projects := s.Registry.ListProjects()
	running := 0
	for _, p := range projects {
		if p.Kind.Container != nil && p.Kind.Container.Status.State == store.ContainerRunning {
			running++
		}
	}

	domains := s.Registry.ListDomains()
	provisioned := 0
	for _, d := range domains {
		if d.SSL == store.SSLProvisioned {
			provisioned++
		}
	}

	R.RenderJSON(w, R.JSON{
		"status":              "ok",
		"projects":            len(projects),
		"running_containers":  running,
		"domains":             len(domains),
		"provisioned_domains": provisioned,
	})
}

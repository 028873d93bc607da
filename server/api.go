package server

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/staticfiles"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

//go:embed www
var staticWWW embed.FS

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// We don't need httprate.KeyByEndpoint, because we create a unique rate limiter for each endpoint.
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/videos", s.httpVideos)
	ratelimited("POST", "/api/jobs", s.httpCreateJob, s.Config.HTTP.JobsPerMinute, time.Minute)
	handle("GET", "/api/jobs", s.httpListJobs)
	handle("GET", "/api/jobs/:id", s.httpGetJob)
	handle("POST", "/api/jobs/:id/cancel", s.httpCancelJob)
	handle("GET", "/api/jobs/:id/preview", s.httpJobPreview)
	handle("GET", "/api/jobs/:id/events", s.httpJobEvents)
	handle("GET", "/api/segments", s.httpListSegments)
	handle("GET", "/api/segments/:id", s.httpGetSegment)
	handle("GET", "/api/segments/:id/video", s.httpSegmentVideo)
	handle("GET", "/api/segments/:id/thumbnail", s.httpSegmentThumbnail)

	isImmutable := true
	var fsys fs.FS
	fsysRoot := "www"
	fsys = staticWWW
	if s.HotReloadWWW {
		relRoot := "server/www"
		absRoot, err := filepath.Abs(relRoot)
		if err != nil {
			s.Log.Errorf("Failed to resolve static file directory %v: %v", relRoot, err)
			return errors.New("Failed to resolve static file directory for hot reload")
		}
		if _, err := os.Stat(absRoot); err != nil {
			s.Log.Errorf("Static file directory %v does not exist. Run from the repository root for hot reload.", absRoot)
			return err
		}
		s.Log.Infof("Serving static files from %v, with hot reload", absRoot)
		fsys = os.DirFS(absRoot)
		fsysRoot = ""
		isImmutable = false
	}

	static, err := staticfiles.NewCachedStaticFileServer(fsys, fsysRoot, []string{"/api/"}, s.Log, isImmutable, nil)
	if err != nil {
		s.Log.Warnf("Error in static files: %v", err)
	} else {
		router.NotFound = static
	}

	s.httpRouter = router
	return nil
}

// Handler returns the HTTP handler of all routes, for embedding or testing
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

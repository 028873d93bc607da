package server

import (
	"errors"
	"net/http"

	"github.com/cyclopcam/personclip/server/fetch"
	"github.com/cyclopcam/personclip/server/streamer"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Maximum number of jobs returned by GET /api/jobs
const maxListedJobs = 100

func (s *Server) httpCreateJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type createJSON struct {
		Video string `json:"video"`
	}
	req := createJSON{}
	www.ReadJSON(w, r, &req, 4096)
	job, err := s.jobs.Start(req.Video)
	if errors.Is(err, fetch.ErrInvalidName) {
		www.PanicBadRequestf("%v", err)
	} else if errors.Is(err, ErrShuttingDown) {
		www.PanicServerError(err.Error())
	}
	www.Check(err)
	type idJSON struct {
		ID int64 `json:"id"`
	}
	www.SendJSON(w, &idJSON{ID: job.ID})
}

func (s *Server) httpListJobs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	jobs, err := s.jobs.List(maxListedJobs)
	www.Check(err)
	www.SendJSON(w, jobs)
}

func (s *Server) httpGetJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	info, err := s.jobs.Info(www.ParseID(params.ByName("id")))
	if errors.Is(err, ErrJobNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	www.SendJSON(w, info)
}

func (s *Server) httpCancelJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := s.jobs.Cancel(www.ParseID(params.ByName("id")))
	if errors.Is(err, ErrJobNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	www.SendOK(w)
}

func (s *Server) liveJob(params httprouter.Params) *Job {
	job := s.jobs.Get(www.ParseID(params.ByName("id")))
	if job == nil {
		www.PanicNotFound()
	}
	return job
}

func (s *Server) httpJobPreview(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	job := s.liveJob(params)
	preview := job.LatestPreview()
	if preview == nil {
		www.PanicNotFound()
	}
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(preview.JPEG)
}

// Stream job events over a websocket, until the job ends
func (s *Server) httpJobEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	job := s.liveJob(params)
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	stream := streamer.NewEventStreamer(s.Log, job.ID)
	info := job.Subscribe(stream)
	defer job.Unsubscribe(stream)
	stream.Push(streamer.Message{Type: "status", Data: info})
	if info.Status.IsTerminal() {
		if info.Error != "" {
			stream.Push(streamer.Message{Type: "failed", Data: info})
		} else {
			stream.Push(streamer.Message{Type: "finished", Data: info})
		}
	}
	stream.Run(c)
}

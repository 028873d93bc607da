package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/personclip/server/fetch"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	ping := &pingJSON{
		Time: time.Now().Unix(),
	}
	www.SendJSON(w, ping)
}

func (s *Server) httpVideos(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type videoJSON struct {
		Name   string `json:"name"`
		Cached bool   `json:"cached"` // Already downloaded
	}
	out := []videoJSON{}
	for _, name := range fetch.SampleVideos {
		out = append(out, videoJSON{
			Name:   name,
			Cached: s.fetcher.IsCached(name),
		})
	}
	www.SendJSON(w, out)
}

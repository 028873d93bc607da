package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/personclip/pkg/videox"
	"github.com/cyclopcam/personclip/server/segmentdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpListSegments(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	jobID := www.ParseID(www.QueryValue(r, "job"))
	segs, err := s.db.ListSegments(jobID)
	www.Check(err)
	www.SendJSON(w, segs)
}

func (s *Server) getSegment(params httprouter.Params) *segmentdb.Segment {
	seg, err := s.db.GetSegment(www.ParseID(params.ByName("id")))
	if errors.Is(err, segmentdb.ErrNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	return seg
}

func (s *Server) httpGetSegment(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.getSegment(params))
}

// seekableSegment is a segment video file on local disk
type seekableSegment struct {
	file       *os.File
	path       string
	modifiedAt time.Time
	close      func()
}

// Open the segment from the cache directory, or failing that, from the library.
// Segments are deleted from the cache after a while, so the library is the only
// long-term home of a segment.
func (s *Server) openSegment(r *http.Request, seg *segmentdb.Segment) *seekableSegment {
	if f, err := os.Open(seg.Filename); err == nil {
		modifiedAt := time.Time{}
		if st, err := f.Stat(); err == nil {
			modifiedAt = st.ModTime()
		}
		return &seekableSegment{
			file:       f,
			path:       seg.Filename,
			modifiedAt: modifiedAt,
			close:      func() { f.Close() },
		}
	}
	if !seg.Persisted {
		www.PanicNotFound()
	}
	cached, err := s.storageCache.Open(r.Context(), s.library.StorageName(seg.Filename))
	www.Check(err)
	f, err := os.Open(cached.Filename())
	if err != nil {
		cached.Close()
		www.Check(err)
	}
	return &seekableSegment{
		file:       f,
		path:       cached.Filename(),
		modifiedAt: seg.CreatedAt.Get(),
		close: func() {
			f.Close()
			cached.Close()
		},
	}
}

func (s *Server) httpSegmentVideo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	seg := s.getSegment(params)
	src := s.openSegment(r, seg)
	defer src.close()
	w.Header().Set("Content-Type", "video/mp4")
	// http.ServeContent implements ranges, which is critical for <video> playback
	http.ServeContent(w, r, filepath.Base(seg.Filename), src.modifiedAt, src.file)
}

func (s *Server) httpSegmentThumbnail(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	seg := s.getSegment(params)
	src := s.openSegment(r, seg)
	defer src.close()
	width := www.QueryInt(r, "width")
	if width <= 0 || width > 4096 {
		width = 320
	}
	// Take the frame from the middle of the segment, which is most likely to contain a person
	jpg, err := videox.ExtractFrame(r.Context(), src.path, seg.Duration/2, width)
	www.Check(err)
	www.CacheSeconds(w, 3600)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/media"
	"github.com/cyclopcam/personclip/pkg/nn"
	"github.com/cyclopcam/personclip/pkg/videox"
	"github.com/cyclopcam/personclip/server/config"
	"github.com/cyclopcam/personclip/server/detection"
	"github.com/cyclopcam/personclip/server/fetch"
	"github.com/cyclopcam/personclip/server/recorder"
	"github.com/cyclopcam/personclip/server/segmentdb"
	"github.com/cyclopcam/personclip/server/streamer"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testVideo     = "people-detection.mp4"
	testScale     = 600
	testFPS       = 10
	testWidth     = 320
	testHeight    = 256
	testNumFrames = 30
)

var fakeSegmentContent = []byte("this is not really an mp4 file, but it's long enough to seek inside")

// fakeModel sees a person in every frame
type fakeModel struct {
	config nn.ModelConfig
}

func (f *fakeModel) Close() {}

func (f *fakeModel) Config() *nn.ModelConfig {
	return &f.config
}

func (f *fakeModel) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	return []nn.ObjectDetection{
		{Class: nn.COCOPerson, Confidence: 0.9, Box: nn.Rect{X: 32, Y: 64, Width: 64, Height: 128}},
	}, nil
}

// fakeSource produces testNumFrames frames at testFPS.
// If gate is not nil, no frames are produced until gate is closed.
type fakeSource struct {
	next       int
	gate       chan struct{}
	cancelOnce sync.Once
	cancelled  chan struct{}
	onProgress func(float64)
}

func (f *fakeSource) NextFrame() (*media.Frame, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.cancelled:
			return nil, io.EOF
		}
	}
	select {
	case <-f.cancelled:
		return nil, io.EOF
	default:
	}
	if f.next >= testNumFrames {
		return nil, io.EOF
	}
	frame := &media.Frame{
		Image: cimg.NewImage(testWidth, testHeight, cimg.PixelFormatRGB),
		PTS:   media.MakeTime(int64(f.next)*testScale/testFPS, testScale),
		DTS:   media.InvalidTime,
	}
	f.next++
	if f.onProgress != nil {
		f.onProgress(float64(f.next) / testNumFrames)
	}
	return frame, nil
}

func (f *fakeSource) Cancel() {
	f.cancelOnce.Do(func() { close(f.cancelled) })
}

func (f *fakeSource) Close() {}

func (f *fakeSource) OnProgress(cb func(float64)) {
	f.onProgress = cb
}

// fakeEncoder writes fakeSegmentContent when it is finished
type fakeEncoder struct {
	filename string
}

func (f *fakeEncoder) Start() error                                           { return nil }
func (f *fakeEncoder) WaitReady(ctx context.Context) error                    { return ctx.Err() }
func (f *fakeEncoder) WriteFrame(img *cimg.Image, pts, dts media.Time) error { return nil }
func (f *fakeEncoder) Abort()                                                 {}

func (f *fakeEncoder) Finish() error {
	return os.WriteFile(f.filename, fakeSegmentContent, 0644)
}

type testRig struct {
	t       *testing.T
	cfg     *config.Config
	server  *Server
	http    *httptest.Server
	gate    chan struct{}
	sources chan *fakeSource
}

type rigOptions struct {
	authorized    bool
	gated         bool
	jobsPerMinute int
}

func newTestRig(t *testing.T, opt rigOptions) *testRig {
	// Sample video server
	videos := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+testVideo {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("source video"))
	}))
	t.Cleanup(videos.Close)

	cfg := &config.Config{}
	cfg.SetDefaults(t.TempDir())
	cfg.Fetch.BaseURL = videos.URL + "/"
	cfg.Library.Authorized = opt.authorized
	if opt.jobsPerMinute != 0 {
		cfg.HTTP.JobsPerMinute = opt.jobsPerMinute
	}
	require.NoError(t, cfg.Validate())

	model := &fakeModel{
		config: nn.ModelConfig{
			Architecture: "yolov8",
			Width:        testWidth,
			Height:       testHeight,
			Classes:      nn.COCOClasses,
		},
	}
	s, err := NewServerWithModel(logs.NewTestingLog(t), cfg, 0, model)
	require.NoError(t, err)

	rig := &testRig{
		t:       t,
		cfg:     cfg,
		server:  s,
		sources: make(chan *fakeSource, 10),
	}
	if opt.gated {
		rig.gate = make(chan struct{})
	}
	s.jobs.OpenSource = func(ctx context.Context, log logs.Log, filename string) (*media.SourceMedia, detection.FrameSource, error) {
		src := &media.SourceMedia{
			Filename:  filename,
			Codec:     "h264",
			Width:     testWidth,
			Height:    testHeight,
			TimeBase:  media.Rational{Num: 1, Den: testScale},
			TimeScale: testScale,
			Duration:  media.MakeTime(testNumFrames*testScale/testFPS, testScale),
			FrameRate: media.Rational{Num: testFPS, Den: 1},
		}
		source := &fakeSource{gate: rig.gate, cancelled: make(chan struct{})}
		rig.sources <- source
		return src, source, nil
	}
	s.jobs.recorders.NewEncoder = func(log logs.Log, opt videox.EncoderOptions) (recorder.Encoder, error) {
		return &fakeEncoder{filename: opt.Filename}, nil
	}

	rig.http = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		rig.openGate()
		rig.http.Close()
		s.Shutdown()
	})
	return rig
}

func (r *testRig) openGate() {
	if r.gate != nil {
		select {
		case <-r.gate:
		default:
			close(r.gate)
		}
	}
}

func (r *testRig) url(path string) string {
	return r.http.URL + path
}

func (r *testRig) getJSON(path string, out any) {
	resp, err := http.Get(r.url(path))
	require.NoError(r.t, err)
	defer resp.Body.Close()
	require.Equal(r.t, http.StatusOK, resp.StatusCode, path)
	require.NoError(r.t, json.NewDecoder(resp.Body).Decode(out))
}

func (r *testRig) post(path, body string) *http.Response {
	resp, err := http.Post(r.url(path), "application/json", strings.NewReader(body))
	require.NoError(r.t, err)
	return resp
}

func (r *testRig) createJob(video string) int64 {
	resp := r.post("/api/jobs", `{"video":"`+video+`"}`)
	defer resp.Body.Close()
	require.Equal(r.t, http.StatusOK, resp.StatusCode)
	created := struct {
		ID int64 `json:"id"`
	}{}
	require.NoError(r.t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotZero(r.t, created.ID)
	return created.ID
}

func (r *testRig) waitForJob(id int64) JobInfo {
	job := r.server.jobs.Get(id)
	require.NotNil(r.t, job)
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		r.t.Fatalf("Timed out waiting for job %v", id)
	}
	info := JobInfo{}
	r.getJSON("/api/jobs/"+itoa(id), &info)
	return info
}

func (r *testRig) segments(jobID int64) []segmentdb.Segment {
	segs := []segmentdb.Segment{}
	r.getJSON("/api/segments?job="+itoa(jobID), &segs)
	return segs
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestPing(t *testing.T) {
	rig := newTestRig(t, rigOptions{})
	ping := struct {
		Time int64 `json:"time"`
	}{}
	rig.getJSON("/api/ping", &ping)
	require.NotZero(t, ping.Time)

	videos := []struct {
		Name   string `json:"name"`
		Cached bool   `json:"cached"`
	}{}
	rig.getJSON("/api/videos", &videos)
	require.Len(t, videos, len(fetch.SampleVideos))
	require.Equal(t, fetch.SampleVideos[0], videos[0].Name)
	require.False(t, videos[0].Cached)
}

func TestJobSavesSegmentToLibrary(t *testing.T) {
	rig := newTestRig(t, rigOptions{authorized: true})
	id := rig.createJob(testVideo)
	info := rig.waitForJob(id)
	require.Equal(t, segmentdb.JobStatusFinished, info.Status)
	require.Empty(t, info.Error)
	require.False(t, info.PersistDenied)
	require.Len(t, info.Segments, 1)

	segs := rig.segments(id)
	require.Len(t, segs, 1)
	seg := segs[0]
	require.Equal(t, info.Segments[0], seg.ID)
	require.Equal(t, testVideo, seg.Source)
	require.Equal(t, testNumFrames, seg.Frames)
	require.InDelta(t, 0, seg.SourceStart, 1e-9)
	require.InDelta(t, 3.0, seg.Duration, 1e-9)
	require.True(t, seg.Persisted)
	require.Equal(t, segmentdb.PersistStatusSaved, seg.PersistStatus)
	require.NotEmpty(t, seg.LibraryURL)

	libraryFile := filepath.Join(rig.cfg.Library.Storage.Filesystem.Root, rig.cfg.Library.Album, filepath.Base(seg.Filename))
	saved, err := os.ReadFile(libraryFile)
	require.NoError(t, err)
	require.Equal(t, fakeSegmentContent, saved)

	// Range requests are needed for <video> playback
	req, _ := http.NewRequest("GET", rig.url("/api/segments/"+itoa(seg.ID)+"/video"), nil)
	req.Header.Set("Range", "bytes=5-11")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, fakeSegmentContent[5:12], body)

	// Once the segment has left the cache, it is served from the library
	require.NoError(t, os.Remove(seg.Filename))
	resp, err = http.Get(rig.url("/api/segments/" + itoa(seg.ID) + "/video"))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, fakeSegmentContent, body)

	// The source video is now cached
	videos := []struct {
		Name   string `json:"name"`
		Cached bool   `json:"cached"`
	}{}
	rig.getJSON("/api/videos", &videos)
	for _, v := range videos {
		require.Equal(t, v.Name == testVideo, v.Cached, v.Name)
	}
}

func TestPersistDenied(t *testing.T) {
	rig := newTestRig(t, rigOptions{authorized: false})
	id := rig.createJob(testVideo)
	info := rig.waitForJob(id)
	require.Equal(t, segmentdb.JobStatusFinished, info.Status)
	require.True(t, info.PersistDenied)
	require.False(t, info.PersistFailed)

	segs := rig.segments(id)
	require.Len(t, segs, 1)
	require.False(t, segs[0].Persisted)
	require.Equal(t, segmentdb.PersistStatusDenied, segs[0].PersistStatus)
	// The segment is kept in the cache
	require.FileExists(t, segs[0].Filename)

	// A segment that is neither in the cache nor the library is gone
	require.NoError(t, os.Remove(segs[0].Filename))
	resp, err := http.Get(rig.url("/api/segments/" + itoa(segs[0].ID) + "/video"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPersistFailureIsNotDenial(t *testing.T) {
	rig := newTestRig(t, rigOptions{authorized: true})
	// A file where the album directory should be makes every copy into the library fail
	albumDir := filepath.Join(rig.cfg.Library.Storage.Filesystem.Root, rig.cfg.Library.Album)
	require.NoError(t, os.WriteFile(albumDir, []byte("x"), 0644))

	id := rig.createJob(testVideo)
	info := rig.waitForJob(id)
	require.Equal(t, segmentdb.JobStatusFinished, info.Status)
	require.False(t, info.PersistDenied)
	require.True(t, info.PersistFailed)

	segs := rig.segments(id)
	require.Len(t, segs, 1)
	require.False(t, segs[0].Persisted)
	require.Equal(t, segmentdb.PersistStatusFailed, segs[0].PersistStatus)
	require.FileExists(t, segs[0].Filename)
}

func TestBadRequests(t *testing.T) {
	rig := newTestRig(t, rigOptions{})
	resp := rig.post("/api/jobs", `{"video":"../../etc/passwd"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = rig.post("/api/jobs", `not json`)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, path := range []string{"/api/jobs/999", "/api/jobs/999/preview", "/api/segments/999", "/api/segments/999/video"} {
		resp, err := http.Get(rig.url(path))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp = rig.post("/api/jobs/999/cancel", "")
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingVideoFailsJob(t *testing.T) {
	rig := newTestRig(t, rigOptions{})
	id := rig.createJob("not-a-sample.mp4")
	info := rig.waitForJob(id)
	require.Equal(t, segmentdb.JobStatusFailed, info.Status)
	require.NotEmpty(t, info.Error)
	require.Len(t, info.Segments, 0)
}

func TestCancelJob(t *testing.T) {
	rig := newTestRig(t, rigOptions{gated: true})
	id := rig.createJob(testVideo)
	// Wait until the job is blocked inside the source
	<-rig.sources
	resp := rig.post("/api/jobs/"+itoa(id)+"/cancel", "")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := rig.waitForJob(id)
	require.Equal(t, segmentdb.JobStatusCancelled, info.Status)
	require.Len(t, info.Segments, 0)

	jobs := []JobInfo{}
	rig.getJSON("/api/jobs", &jobs)
	require.Len(t, jobs, 1)
	require.Equal(t, segmentdb.JobStatusCancelled, jobs[0].Status)
}

func TestJobRateLimit(t *testing.T) {
	rig := newTestRig(t, rigOptions{jobsPerMinute: 1})
	rig.createJob(testVideo)
	resp := rig.post("/api/jobs", `{"video":"`+testVideo+`"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func dialEvents(t *testing.T, rig *testRig, id int64) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(rig.url("/api/jobs/"+itoa(id)+"/events"), "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Read text messages until the server closes the connection
func readMessages(t *testing.T, conn *websocket.Conn) []streamer.Message {
	msgs := []streamer.Message{}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return msgs
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg := streamer.Message{}
		require.NoError(t, json.Unmarshal(data, &msg))
		msgs = append(msgs, msg)
	}
}

func messageTypes(msgs []streamer.Message) map[string]int {
	types := map[string]int{}
	for _, m := range msgs {
		types[m.Type]++
	}
	return types
}

func TestEventsWebsocket(t *testing.T) {
	rig := newTestRig(t, rigOptions{authorized: true, gated: true})
	id := rig.createJob(testVideo)
	conn := dialEvents(t, rig, id)
	rig.openGate()
	msgs := readMessages(t, conn)

	require.GreaterOrEqual(t, len(msgs), 3)
	require.Equal(t, "status", msgs[0].Type)
	last := msgs[len(msgs)-1]
	require.Equal(t, "finished", last.Type)
	require.Equal(t, string(segmentdb.JobStatusFinished), last.Data.(map[string]any)["status"])
	types := messageTypes(msgs)
	require.Equal(t, 1, types["segment"])
	require.Equal(t, 1, types["finished"])
	require.Equal(t, 0, types["failed"])

	// A client that connects after the job has ended gets the final status, and is then disconnected
	rig.waitForJob(id)
	late := readMessages(t, dialEvents(t, rig, id))
	require.Len(t, late, 2)
	require.Equal(t, "status", late[0].Type)
	require.Equal(t, "finished", late[1].Type)
}

func TestPreview(t *testing.T) {
	rig := newTestRig(t, rigOptions{})
	id := rig.createJob(testVideo)
	rig.waitForJob(id)
	resp, err := http.Get(rig.url("/api/jobs/" + itoa(id) + "/preview"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	// JPEG start of image marker
	require.True(t, bytes.HasPrefix(body, []byte{0xff, 0xd8}))
}

func TestStaticFiles(t *testing.T) {
	rig := newTestRig(t, rigOptions{})
	resp, err := http.Get(rig.url("/"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "Human Detection")
}

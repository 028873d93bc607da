package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/event"
	"github.com/cyclopcam/personclip/pkg/gen"
	"github.com/cyclopcam/personclip/pkg/media"
	"github.com/cyclopcam/personclip/pkg/nn"
	"github.com/cyclopcam/personclip/pkg/videox"
	"github.com/cyclopcam/personclip/server/detection"
	"github.com/cyclopcam/personclip/server/fetch"
	"github.com/cyclopcam/personclip/server/library"
	"github.com/cyclopcam/personclip/server/log"
	"github.com/cyclopcam/personclip/server/recorder"
	"github.com/cyclopcam/personclip/server/segmentdb"
	"github.com/cyclopcam/personclip/server/streamer"
	"golang.org/x/sync/semaphore"
)

var ErrShuttingDown = errors.New("Server is shutting down")
var ErrJobNotFound = errors.New("Job not found")

// Persisting a segment is not bound to the job's lifetime, because the
// final segment of a cancelled job must still be saved.
const persistTimeout = 5 * time.Minute

// SourceOpener probes a local video file, and opens a decoder for it
type SourceOpener func(ctx context.Context, log logs.Log, filename string) (*media.SourceMedia, detection.FrameSource, error)

// OpenVideoFile is the SourceOpener that uses ffprobe and ffmpeg
func OpenVideoFile(ctx context.Context, log logs.Log, filename string) (*media.SourceMedia, detection.FrameSource, error) {
	src, err := videox.Probe(ctx, filename)
	if err != nil {
		return nil, nil, err
	}
	decoder, err := videox.NewVideoDecoder(log, src)
	if err != nil {
		return nil, nil, err
	}
	return src, decoder, nil
}

type JobOptions struct {
	MaxConcurrent int
	Detector      detection.DetectorOptions
	Session       detection.Config
}

// Jobs runs detection sessions, one per requested video.
// At most MaxConcurrent sessions run at the same time. The others wait in the queued state.
type Jobs struct {
	OpenSource SourceOpener

	log       logs.Log
	db        *segmentdb.SegmentDB
	fetcher   *fetch.Downloader
	model     nn.ObjectDetector
	recorders *recorder.Factory
	library   *library.Library // nil if no library is configured
	opt       JobOptions
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock   sync.Mutex // Guards closed, live
	closed bool
	live   map[int64]*Job
}

func NewJobs(logger logs.Log, db *segmentdb.SegmentDB, fetcher *fetch.Downloader, model nn.ObjectDetector, recorders *recorder.Factory, lib *library.Library, opt JobOptions) *Jobs {
	if opt.MaxConcurrent <= 0 {
		opt.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Jobs{
		OpenSource: OpenVideoFile,
		log:        log.NewPrefixLogger(logger, "Jobs"),
		db:         db,
		fetcher:    fetcher,
		model:      model,
		recorders:  recorders,
		library:    lib,
		opt:        opt,
		sem:        semaphore.NewWeighted(int64(opt.MaxConcurrent)),
		ctx:        ctx,
		cancel:     cancel,
		live:       map[int64]*Job{},
	}
	fetcher.OnProgress = j.onDownloadProgress
	return j
}

// Start creates a job for the named sample video, and runs it in the background
func (j *Jobs) Start(video string) (*Job, error) {
	if err := fetch.ValidateName(video); err != nil {
		return nil, err
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return nil, ErrShuttingDown
	}
	row, err := j.db.CreateJob(video)
	if err != nil {
		return nil, fmt.Errorf("Failed to create job: %w", err)
	}
	job := &Job{
		ID:     row.ID,
		Video:  video,
		jobs:   j,
		log:    log.NewPrefixLogger(j.log, fmt.Sprintf("%v:", row.ID)),
		status: segmentdb.JobStatusQueued,
		done:   make(chan struct{}),
	}
	job.ctx, job.cancel = context.WithCancel(j.ctx)
	j.live[job.ID] = job
	j.log.Infof("Job %v queued for %v", job.ID, video)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		job.run()
	}()
	return job, nil
}

// Get returns a job that was started by this process, or nil
func (j *Jobs) Get(id int64) *Job {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.live[id]
}

// Info returns the status of any job, including jobs from previous runs of the process
func (j *Jobs) Info(id int64) (*JobInfo, error) {
	if job := j.Get(id); job != nil {
		info := job.Info()
		return &info, nil
	}
	row, err := j.db.GetJob(id)
	if errors.Is(err, segmentdb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrJobNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return j.infoFromDB(row)
}

// List returns the most recent jobs, newest first
func (j *Jobs) List(limit int) ([]JobInfo, error) {
	rows, err := j.db.ListJobs(limit)
	if err != nil {
		return nil, err
	}
	out := make([]JobInfo, 0, len(rows))
	for i := range rows {
		if job := j.Get(rows[i].ID); job != nil {
			out = append(out, job.Info())
			continue
		}
		info, err := j.infoFromDB(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

func (j *Jobs) infoFromDB(row *segmentdb.Job) (*JobInfo, error) {
	segs, err := j.db.ListSegments(row.ID)
	if err != nil {
		return nil, err
	}
	info := &JobInfo{
		ID:       row.ID,
		Video:    row.Video,
		Status:   row.Status,
		Error:    row.Error,
		Segments: []int64{},
	}
	for _, s := range segs {
		info.Segments = append(info.Segments, s.ID)
		switch s.PersistStatus {
		case segmentdb.PersistStatusDenied:
			info.PersistDenied = true
		case segmentdb.PersistStatusFailed:
			info.PersistFailed = true
		}
	}
	if row.Status == segmentdb.JobStatusFinished {
		info.Download = 1
		info.Progress = 1
	}
	return info, nil
}

// Cancel stops a running job. Any segment that is being recorded is finished and kept.
func (j *Jobs) Cancel(id int64) error {
	job := j.Get(id)
	if job == nil {
		return fmt.Errorf("%w: %v", ErrJobNotFound, id)
	}
	job.Cancel()
	return nil
}

// Close cancels all jobs, and waits for them to finish
func (j *Jobs) Close() {
	j.lock.Lock()
	j.closed = true
	j.lock.Unlock()
	j.cancel()
	j.wg.Wait()
}

func (j *Jobs) onDownloadProgress(name string, fraction float64) {
	j.lock.Lock()
	all := make([]*Job, 0, len(j.live))
	for _, job := range j.live {
		if job.Video == name {
			all = append(all, job)
		}
	}
	j.lock.Unlock()
	for _, job := range all {
		job.onDownloadProgress(fraction)
	}
}

// JobInfo is the externally visible state of a job
type JobInfo struct {
	ID            int64               `json:"id"`
	Video         string              `json:"video"`
	Status        segmentdb.JobStatus `json:"status"`
	Error         string              `json:"error,omitempty"`
	Download      float64             `json:"download"` // Fraction of the source that has been downloaded
	Progress      float64             `json:"progress"` // Fraction of the source that has been processed
	Recording     bool                `json:"recording"`
	PersistDenied bool                `json:"persistDenied"` // At least one segment was not saved to the library, because we were not authorized
	PersistFailed bool                `json:"persistFailed"` // At least one segment could not be copied into the library
	Segments      []int64             `json:"segments"`      // IDs of segments in the catalog
	Stats         *detection.Stats    `json:"stats,omitempty"`
}

// Job is a single video, running through a detection session
type Job struct {
	ID     int64
	Video  string
	Events event.Sender[streamer.Message]

	jobs   *Jobs
	log    logs.Log
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lock          sync.Mutex
	status        segmentdb.JobStatus
	err           string
	download      float64
	progress      float64
	recording     bool
	persistDenied bool
	persistFailed bool
	segments      []int64
	session       *detection.Session
}

func (job *Job) Info() JobInfo {
	job.lock.Lock()
	defer job.lock.Unlock()
	return job.infoLocked()
}

func (job *Job) infoLocked() JobInfo {
	info := JobInfo{
		ID:            job.ID,
		Video:         job.Video,
		Status:        job.status,
		Error:         job.err,
		Download:      job.download,
		Progress:      job.progress,
		Recording:     job.recording,
		PersistDenied: job.persistDenied,
		PersistFailed: job.persistFailed,
		Segments:      gen.CopySlice(job.segments),
	}
	if info.Segments == nil {
		info.Segments = []int64{}
	}
	if job.session != nil {
		stats := job.session.Stats()
		info.Stats = &stats
	}
	return info
}

// Subscribe attaches a listener to the job's events.
// The returned status is a snapshot that precedes every event that the listener will receive.
// If the job has already ended, the listener is not attached, and the returned status is terminal.
func (job *Job) Subscribe(listener event.Listener[streamer.Message]) JobInfo {
	job.lock.Lock()
	defer job.lock.Unlock()
	if !job.status.IsTerminal() {
		job.Events.AddListener(listener)
	}
	return job.infoLocked()
}

func (job *Job) Unsubscribe(listener event.Listener[streamer.Message]) {
	job.Events.RemoveListener(listener)
}

// LatestPreview returns the most recent annotated frame, or nil
func (job *Job) LatestPreview() *detection.Preview {
	job.lock.Lock()
	session := job.session
	job.lock.Unlock()
	if session == nil {
		return nil
	}
	return session.LatestPreview()
}

func (job *Job) Cancel() {
	job.log.Infof("Cancel requested")
	job.cancel()
}

// Done is closed when the job has reached a terminal state
func (job *Job) Done() <-chan struct{} {
	return job.done
}

// Must be called with job.lock held
func (job *Job) publishLocked(msg streamer.Message) {
	job.Events.SendEvent(msg)
}

func (job *Job) setStatus(status segmentdb.JobStatus) {
	if err := job.jobs.db.SetJobStatus(job.ID, status, ""); err != nil {
		job.log.Errorf("Failed to update job status: %v", err)
	}
	job.lock.Lock()
	defer job.lock.Unlock()
	job.status = status
	job.publishLocked(streamer.Message{Type: "status", Data: job.infoLocked()})
}

func (job *Job) onDownloadProgress(fraction float64) {
	job.lock.Lock()
	defer job.lock.Unlock()
	if job.status != segmentdb.JobStatusDownloading {
		return
	}
	job.download = fraction
	job.publishLocked(streamer.Message{Type: "download", Data: fraction})
}

func (job *Job) run() {
	defer close(job.done)
	defer job.cancel()

	cancelled, err := job.execute()

	status := segmentdb.JobStatusFinished
	errMsg := ""
	if err != nil {
		status = segmentdb.JobStatusFailed
		errMsg = err.Error()
		job.log.Errorf("Failed: %v", err)
	} else if cancelled {
		status = segmentdb.JobStatusCancelled
	}
	if err := job.jobs.db.SetJobStatus(job.ID, status, errMsg); err != nil {
		job.log.Errorf("Failed to update job status: %v", err)
	}

	job.lock.Lock()
	job.status = status
	job.err = errMsg
	job.recording = false
	info := job.infoLocked()
	if err != nil {
		job.publishLocked(streamer.Message{Type: "failed", Data: info})
	} else {
		job.publishLocked(streamer.Message{Type: "finished", Data: info})
	}
	job.lock.Unlock()

	job.Events.Close()
	job.log.Infof("Job %v %v, with %v segments", job.Video, status, len(info.Segments))
}

func (job *Job) execute() (cancelled bool, err error) {
	j := job.jobs

	if err := j.sem.Acquire(job.ctx, 1); err != nil {
		return true, nil
	}
	defer j.sem.Release(1)

	job.setStatus(segmentdb.JobStatusDownloading)
	path, err := j.fetcher.Fetch(job.ctx, job.Video)
	if err != nil {
		if job.ctx.Err() != nil {
			return true, nil
		}
		return false, err
	}
	job.lock.Lock()
	job.download = 1
	job.lock.Unlock()

	src, decoder, err := j.OpenSource(job.ctx, job.log, path)
	if err != nil {
		if job.ctx.Err() != nil {
			return true, nil
		}
		return false, err
	}
	detector, err := detection.NewPersonDetector(job.log, j.model, j.opt.Detector)
	if err != nil {
		decoder.Close()
		return false, err
	}

	session := detection.NewSession(job.log, j.opt.Session, src, decoder, detector, j.recorders)
	session.Events.AddListener(event.NewFuncListener(func(ev detection.Event) {
		job.onSessionEvent(src, ev)
	}))
	job.lock.Lock()
	job.session = session
	job.lock.Unlock()
	job.setStatus(segmentdb.JobStatusRunning)

	if err := session.Run(job.ctx); err != nil {
		return false, err
	}
	return session.IsCancelled(), nil
}

// Runs on the session's event dispatcher goroutine
func (job *Job) onSessionEvent(src *media.SourceMedia, ev detection.Event) {
	switch e := ev.(type) {
	case detection.Progress:
		job.lock.Lock()
		job.progress = e.Fraction
		job.publishLocked(streamer.Message{Type: e.EventName(), Data: e.Fraction})
		job.lock.Unlock()
	case detection.Preview:
		job.lock.Lock()
		job.publishLocked(streamer.Message{Type: e.EventName(), Data: e, Binary: e.JPEG})
		job.lock.Unlock()
	case detection.RecordingChanged:
		job.lock.Lock()
		job.recording = e.Recording
		job.publishLocked(streamer.Message{Type: e.EventName(), Data: e})
		job.lock.Unlock()
	case detection.SegmentComplete:
		row := job.saveSegment(src, e.Segment)
		job.lock.Lock()
		if row.ID != 0 {
			job.segments = append(job.segments, row.ID)
		}
		switch row.PersistStatus {
		case segmentdb.PersistStatusDenied:
			job.persistDenied = true
		case segmentdb.PersistStatusFailed:
			job.persistFailed = true
		}
		job.publishLocked(streamer.Message{Type: e.EventName(), Data: row})
		job.lock.Unlock()
	case detection.Finished, detection.Failed:
		// The job publishes its own terminal message, after the job status has been saved
	}
}

// Add the segment to the catalog, and hand it to the library.
// The outcome is recorded in row.PersistStatus.
func (job *Job) saveSegment(src *media.SourceMedia, info recorder.SegmentInfo) *segmentdb.Segment {
	j := job.jobs
	row := &segmentdb.Segment{
		JobID:       job.ID,
		Source:      job.Video,
		Filename:    info.Filename,
		SourceStart: info.SourceStart.Seconds(),
		SourceEnd:   info.SourceEnd.Seconds(),
		Duration:    info.Duration.Seconds(),
		Frames:      info.Frames,
		CreatedAt:   dbh.MakeIntTime(time.Now()),
		Meta: dbh.MakeJSONField(segmentdb.SegmentMeta{
			Width:     src.Width,
			Height:    src.Height,
			TimeScale: info.Duration.Scale,
			Codec:     j.recorders.EncoderOptions.Codec,
		}),
	}
	if err := j.db.AddSegment(row); err != nil {
		job.log.Errorf("Failed to add segment %v to catalog: %v", info.Filename, err)
	}
	if j.library == nil {
		return row
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	saved, err := j.library.Persist(ctx, info.Filename)
	if err != nil {
		job.log.Errorf("%v", err)
		job.setPersistStatus(row, segmentdb.PersistStatusFailed)
		return row
	} else if !saved {
		job.setPersistStatus(row, segmentdb.PersistStatusDenied)
		return row
	}
	url, err := j.library.URL(info.Filename)
	if err != nil {
		url = ""
	}
	row.Persisted = true
	row.LibraryURL = url
	row.PersistStatus = segmentdb.PersistStatusSaved
	if row.ID != 0 {
		if err := j.db.MarkPersisted(row.ID, url); err != nil {
			job.log.Errorf("Failed to mark segment %v as persisted: %v", row.ID, err)
		}
	}
	return row
}

func (job *Job) setPersistStatus(row *segmentdb.Segment, status segmentdb.PersistStatus) {
	row.PersistStatus = status
	if row.ID != 0 {
		if err := job.jobs.db.SetPersistStatus(row.ID, status); err != nil {
			job.log.Errorf("Failed to save persist status of segment %v: %v", row.ID, err)
		}
	}
}

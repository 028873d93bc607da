package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/nn"
	"github.com/cyclopcam/personclip/pkg/nnload"
	"github.com/cyclopcam/personclip/pkg/storage"
	"github.com/cyclopcam/personclip/pkg/storagecache"
	"github.com/cyclopcam/personclip/pkg/videox"
	"github.com/cyclopcam/personclip/server/config"
	"github.com/cyclopcam/personclip/server/fetch"
	"github.com/cyclopcam/personclip/server/library"
	"github.com/cyclopcam/personclip/server/recorder"
	"github.com/cyclopcam/personclip/server/segmentdb"
	"github.com/cyclopcam/personclip/server/util"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	ServerFlagHotReloadWWW = 1 // Serve static files from server/www, instead of the embedded copy
)

type Server struct {
	HotReloadWWW     bool
	Log              logs.Log
	Config           *config.Config
	ShutdownComplete chan struct{} // Closed when Shutdown has finished

	signalIn     chan os.Signal
	shutdownOnce sync.Once
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
	db           *segmentdb.SegmentDB
	tempFiles    *util.TempFiles
	fetcher      *fetch.Downloader
	model        nn.ObjectDetector
	storage      storage.Storage
	storageCache *storagecache.StorageCache
	library      *library.Library
	jobs         *Jobs
}

// NewServer connects to the inference server, opens the catalog and the library,
// and sets up the HTTP routes. It does not start listening.
func NewServer(logger logs.Log, cfg *config.Config, flags int) (*Server, error) {
	if cfg.Encoder.FFmpegPath != "" {
		videox.FFmpegPath = cfg.Encoder.FFmpegPath
	}
	if cfg.Encoder.FFprobePath != "" {
		videox.FFprobePath = cfg.Encoder.FFprobePath
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	model, err := nnload.LoadModel(ctx, logger, cfg.ModelOptions())
	if err != nil {
		return nil, fmt.Errorf("Failed to load NN model: %w", err)
	}
	s, err := NewServerWithModel(logger, cfg, flags, model)
	if err != nil {
		model.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithModel is NewServer, with a detector that has already been created.
// The server takes ownership of model.
func NewServerWithModel(logger logs.Log, cfg *config.Config, flags int, model nn.ObjectDetector) (*Server, error) {
	db, err := segmentdb.NewSegmentDB(logger, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("Failed to open segment database %v: %w", cfg.DB, err)
	}
	if n, err := db.AbandonUnfinishedJobs(); err != nil {
		logger.Warnf("Failed to clean up unfinished jobs: %v", err)
	} else if n != 0 {
		logger.Infof("Marked %v unfinished jobs from a previous run as failed", n)
	}

	s := &Server{
		HotReloadWWW:     (flags & ServerFlagHotReloadWWW) != 0,
		Log:              logger,
		Config:           cfg,
		ShutdownComplete: make(chan struct{}),
		db:               db,
		model:            model,
	}
	if err := s.setup(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) setup() error {
	cfg := s.Config
	var err error

	s.tempFiles, err = util.NewTempFiles(cfg.CacheDir, cfg.CacheMaxAge())
	if err != nil {
		return err
	}
	s.fetcher, err = fetch.NewDownloader(s.Log, cfg.DownloadDir, cfg.Fetch.BaseURL)
	if err != nil {
		return err
	}
	s.fetcher.Timeout = cfg.FetchTimeout()

	s.storage, err = openStorage(s.Log, cfg.Library.Storage)
	if err != nil {
		return err
	}
	s.storageCache, err = storagecache.NewStorageCache(s.Log, s.storage, filepath.Join(cfg.DataDir, "librarycache"), cfg.LibraryCacheBytes())
	if err != nil {
		return err
	}
	s.library = library.NewLibrary(s.Log, s.storage, library.NewStaticAuthorizer(cfg.Library.Authorized), cfg.Library.Album)

	recorders := recorder.NewFactory(s.Log, s.tempFiles, cfg.EncoderOptions())
	s.jobs = NewJobs(s.Log, s.db, s.fetcher, s.model, recorders, s.library, JobOptions{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		Detector:      cfg.DetectorOptions(),
		Session:       cfg.SessionConfig(),
	})

	return s.setupHttpRoutes()
}

func openStorage(logger logs.Log, cfg config.StorageConfig) (storage.Storage, error) {
	if cfg.GCS != nil {
		// Google Cloud Storage
		return storage.NewStorageGCS(context.Background(), logger, cfg.GCS.Bucket, cfg.GCS.Public, cfg.GCS.CredentialsFile)
	} else if cfg.Filesystem != nil {
		// Filesystem
		return storage.NewStorageFS(logger, cfg.Filesystem.Root)
	}
	return nil, fmt.Errorf("One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')")
}

// Jobs gives access to the job registry, for running jobs without HTTP
func (s *Server) Jobs() *Jobs {
	return s.jobs
}

// ListenHTTP blocks until the server is shut down.
// addr example: ":8080"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// This path gets hit when Shutdown() is called by something other than ourselves, and Shutdown() closes the signalIn channel.
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops accepting requests, cancels all jobs and waits for them,
// and then closes the catalog. Running segments are finished, not discarded.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
		cancel()
	}
	s.Log.Infof("Cancelling jobs")
	s.jobs.Close()
	s.model.Close()
	if gcs, ok := s.storage.(*storage.StorageGCS); ok {
		gcs.Close()
	}
	s.db.Close()
	s.Log.Infof("Shutdown complete")
	close(s.ShutdownComplete)
}

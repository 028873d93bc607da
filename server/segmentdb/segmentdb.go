// Package segmentdb is a catalog of jobs, and of the segments that they produced.
package segmentdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/server/log"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("Not found")

type SegmentDB struct {
	log logs.Log
	db  *gorm.DB
}

// Open or create a segment DB
func NewSegmentDB(logger logs.Log, dbFilename string) (*SegmentDB, error) {
	logger = log.NewPrefixLogger(logger, "SegmentDB")
	if err := os.MkdirAll(filepath.Dir(dbFilename), 0770); err != nil {
		return nil, fmt.Errorf("Failed to create database directory for '%v': %w", dbFilename, err)
	}
	logger.Infof("Opening DB at '%v'", dbFilename)
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &SegmentDB{
		log: logger,
		db:  db,
	}, nil
}

func (s *SegmentDB) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// CreateJob inserts a new job in the queued state
func (s *SegmentDB) CreateJob(video string) (*Job, error) {
	job := &Job{
		Video:     video,
		CreatedAt: dbh.MakeIntTime(time.Now()),
		Status:    JobStatusQueued,
	}
	if err := s.db.Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// SetJobStatus updates a job's status. For terminal states, the finish time is recorded.
func (s *SegmentDB) SetJobStatus(id int64, status JobStatus, errMsg string) error {
	updates := map[string]any{
		"status": status,
		"error":  errMsg,
	}
	if status.IsTerminal() {
		updates["finished_at"] = dbh.MakeIntTime(time.Now())
	}
	res := s.db.Model(&Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("Job %v: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SegmentDB) GetJob(id int64) (*Job, error) {
	job := &Job{}
	if err := s.db.First(job, id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("Job %v: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns the most recent jobs first
func (s *SegmentDB) ListJobs(limit int) ([]Job, error) {
	jobs := []Job{}
	q := s.db.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// AbandonUnfinishedJobs marks all non-terminal jobs as failed.
// This is run at startup, because jobs don't survive a restart.
func (s *SegmentDB) AbandonUnfinishedJobs() (int64, error) {
	res := s.db.Model(&Job{}).Where("status NOT IN ?", []JobStatus{JobStatusFinished, JobStatusCancelled, JobStatusFailed}).Updates(map[string]any{
		"status":      JobStatusFailed,
		"error":       "Interrupted by restart",
		"finished_at": dbh.MakeIntTime(time.Now()),
	})
	return res.RowsAffected, res.Error
}

// AddSegment inserts a new segment, and fills in seg.ID
func (s *SegmentDB) AddSegment(seg *Segment) error {
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = dbh.MakeIntTime(time.Now())
	}
	return s.db.Create(seg).Error
}

func (s *SegmentDB) MarkPersisted(id int64, libraryURL string) error {
	res := s.db.Model(&Segment{}).Where("id = ?", id).Updates(map[string]any{
		"persisted":      true,
		"library_url":    libraryURL,
		"persist_status": PersistStatusSaved,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("Segment %v: %w", id, ErrNotFound)
	}
	return nil
}

// SetPersistStatus records why a segment did not make it into the library.
// Use MarkPersisted for segments that were saved.
func (s *SegmentDB) SetPersistStatus(id int64, status PersistStatus) error {
	res := s.db.Model(&Segment{}).Where("id = ?", id).Update("persist_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("Segment %v: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SegmentDB) GetSegment(id int64) (*Segment, error) {
	seg := &Segment{}
	if err := s.db.First(seg, id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("Segment %v: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return seg, nil
}

// ListSegments returns the segments of a job, in source order.
// If jobID is zero, then segments of all jobs are returned, most recent job first.
func (s *SegmentDB) ListSegments(jobID int64) ([]Segment, error) {
	segs := []Segment{}
	var err error
	if jobID != 0 {
		err = s.db.Where("job_id = ?", jobID).Order("source_start").Find(&segs).Error
	} else {
		err = s.db.Order("job_id DESC, source_start").Find(&segs).Error
	}
	if err != nil {
		return nil, err
	}
	return segs, nil
}

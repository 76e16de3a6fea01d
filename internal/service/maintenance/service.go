package maintenance

import (
	"time"

	"github.com/vertextoedge/psn-update-fetcher/internal/port"
	"go.uber.org/zap"
)

// Config contains maintenance service configuration
type Config struct {
	// StaleTaskTimeout is when a task is considered stale
	StaleTaskTimeout time.Duration

	// FinishedTaskMaxAge is the maximum age of failed and completed tasks
	// before they are dropped from the history
	FinishedTaskMaxAge time.Duration
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		StaleTaskTimeout:   30 * time.Minute,
		FinishedTaskMaxAge: 7 * 24 * time.Hour,
	}
}

// Service keeps the task ledger and the download directory tidy
type Service struct {
	config *Config
	tasks  port.DownloadTaskRepository
	fs     port.FileSystem
	logger *zap.Logger
}

// New creates a new maintenance Service
func New(cfg *Config, tasks port.DownloadTaskRepository, fs port.FileSystem, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.StaleTaskTimeout == 0 {
		cfg.StaleTaskTimeout = 30 * time.Minute
	}
	if cfg.FinishedTaskMaxAge == 0 {
		cfg.FinishedTaskMaxAge = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		config: cfg,
		tasks:  tasks,
		fs:     fs,
		logger: logger,
	}
}

// RunOnce performs every maintenance step a single time. Used at startup to
// recover tasks left behind by a process that died mid-download.
func (s *Service) RunOnce() {
	s.releaseStaleTasks()
	s.cleanupFinishedTasks()
	s.cleanupEmptyDirs()
}

// releaseStaleTasks releases tasks that have been in progress for too long
func (s *Service) releaseStaleTasks() {
	released, err := s.tasks.ReleaseStaleInProgressTasks(s.config.StaleTaskTimeout)
	if err != nil {
		s.logger.Error("failed to release stale tasks", zap.Error(err))
	} else if released > 0 {
		s.logger.Info("released stale tasks", zap.Int("count", released))
	}
}

// cleanupFinishedTasks removes old failed and completed tasks
func (s *Service) cleanupFinishedTasks() {
	cleared, err := s.tasks.CleanupOldTasks(s.config.FinishedTaskMaxAge)
	if err != nil {
		s.logger.Error("failed to cleanup finished tasks", zap.Error(err))
	} else if cleared > 0 {
		s.logger.Info("cleaned up old tasks", zap.Int("count", cleared))
	}
}

// cleanupEmptyDirs removes title directories left empty by failed runs
func (s *Service) cleanupEmptyDirs() {
	removed, err := s.fs.CleanEmptyDirs()
	if err != nil {
		s.logger.Error("failed to cleanup empty directories", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("removed empty title directories", zap.Int("count", removed))
	}
}

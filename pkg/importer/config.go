package importer

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultThreads       = 1
	DefaultMaxQueue      = 1000
	DefaultShutdownGrace = 30 * time.Second
)

// Config holds import manager configuration
type Config struct {
	Threads  int `env:"IMPORTER_THREADS" env-default:"1"`
	MaxQueue int `env:"IMPORTER_MAX_QUEUE" env-default:"1000"`
	// Wait delays the release of a worker after an attempt finished.
	Wait          time.Duration `env:"IMPORTER_WAIT" env-default:"0s"`
	MaxDuration   time.Duration `env:"IMPORTER_MAX_DURATION" env-default:"0s"`
	ShutdownGrace time.Duration `env:"IMPORTER_SHUTDOWN_GRACE" env-default:"30s"`
	ScratchDir    string        `env:"IMPORTER_SCRATCH_DIR" env-default:"/tmp/fern/scratch"`
	ArchiveDir    string        `env:"IMPORTER_ARCHIVE_DIR" env-default:"/tmp/fern/archives"`
	// CatalogueKey is the assembled catalogue, which is never imported.
	CatalogueKey int `env:"IMPORTER_CATALOGUE_KEY" env-default:"3"`
	// UserKey is recorded on recovered requests whose import has no creator.
	UserKey int `env:"IMPORTER_USER_KEY" env-default:"0"`
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// ArchivePath is where the resident source archive of a dataset is kept.
func (c Config) ArchivePath(datasetKey int) string {
	return filepath.Join(c.ArchiveDir, fmt.Sprintf("%d.archive", datasetKey))
}

// ScratchPath is the working directory of one attempt. It is removed when the
// attempt ends.
func (c Config) ScratchPath(datasetKey int) string {
	return filepath.Join(c.ScratchDir, strconv.Itoa(datasetKey))
}

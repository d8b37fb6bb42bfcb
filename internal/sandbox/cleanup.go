package sandbox

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	cleanupQueueSize   = 128
	cleanupMaxAttempts = 5
)

type cleanupRequest struct {
	path    string
	attempt int
}

// cleaner removes per-job scratch directories in the background, retrying
// with a linear backoff when the runtime still holds files open.
type cleaner struct {
	queue chan cleanupRequest
	delay time.Duration
	log   *logrus.Entry
}

func newCleaner(log *logrus.Entry) *cleaner {
	c := &cleaner{
		queue: make(chan cleanupRequest, cleanupQueueSize),
		delay: time.Second,
		log:   log,
	}
	go func() {
		for req := range c.queue {
			c.process(req)
		}
	}()
	return c
}

func (c *cleaner) remove(path string) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" || cleanPath == "/" {
		return
	}
	c.enqueue(cleanupRequest{path: cleanPath, attempt: 1})
}

func (c *cleaner) enqueue(req cleanupRequest) {
	select {
	case c.queue <- req:
	default:
		go c.process(req)
	}
}

func (c *cleaner) process(req cleanupRequest) {
	err := os.RemoveAll(req.path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		c.log.WithField("path", req.path).Debug("removed job scratch dir")
		return
	}

	if req.attempt >= cleanupMaxAttempts {
		c.log.WithField("path", req.path).WithError(err).Errorf("cleanup failed after %d attempts", req.attempt)
		return
	}

	delay := time.Duration(req.attempt) * c.delay
	c.log.WithField("path", req.path).Warnf("cleanup retry in %s (attempt %d/%d)", delay, req.attempt+1, cleanupMaxAttempts)
	time.Sleep(delay)
	req.attempt++
	c.enqueue(req)
}

// PurgeOrphans removes evaluation containers and scratch dirs left behind by
// a previous process that died mid-run. Call it before the pool starts.
func (r *DockerRunner) PurgeOrphans(ctx context.Context) {
	out, err := exec.CommandContext(ctx, r.dockerBin, "ps", "-aq", "--filter", "label="+containerLabel).Output()
	if err != nil {
		r.log.WithError(err).Warn("failed to list orphaned sandbox containers")
	} else {
		for _, id := range strings.Fields(string(out)) {
			r.removeContainer(id)
		}
	}

	entries, err := os.ReadDir(r.jobDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.WithError(err).Warnf("failed to scan job dir %s", r.jobDir)
		}
		return
	}
	if len(entries) == 0 {
		return
	}

	r.log.Infof("found %d orphaned job scratch dir(s) to purge", len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r.cleaner.remove(filepath.Join(r.jobDir, entry.Name()))
	}
}

package export

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Checkpoint is an append-only log of exported tiles, one "z/x/y" per line.
// An interrupted export reopens it and skips what is already on disk.
type Checkpoint struct {
	file   *os.File
	done   map[string]struct{}
	logger logrus.FieldLogger

	saveChan chan maptile.Tile
	stopped  chan struct{}

	mu     sync.Mutex
	closed bool
}

// OpenCheckpoint loads the log at path, creating it if needed, and starts
// the goroutine appending to it.
func OpenCheckpoint(path string, logger logrus.FieldLogger) (*Checkpoint, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint directory for %s", path)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", path)
	}

	done := make(map[string]struct{})
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			done[line] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}

	c := &Checkpoint{
		file:     file,
		done:     done,
		logger:   logger,
		saveChan: make(chan maptile.Tile, 64),
		stopped:  make(chan struct{}),
	}
	if len(done) > 0 {
		logger.Infof("resuming from checkpoint %s, %d tiles already exported", path, len(done))
	}
	go c.run()
	return c, nil
}

func checkpointKey(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Done reports whether t was exported by a previous run.
func (c *Checkpoint) Done(t maptile.Tile) bool {
	_, ok := c.done[checkpointKey(t)]
	return ok
}

// MarkDone records t. Calls after Close are ignored.
func (c *Checkpoint) MarkDone(t maptile.Tile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.saveChan <- t
}

func (c *Checkpoint) run() {
	defer close(c.stopped)
	w := bufio.NewWriter(c.file)
	for t := range c.saveChan {
		if _, err := w.WriteString(checkpointKey(t) + "\n"); err != nil {
			c.logger.WithError(err).Warn("write checkpoint")
		}
		if len(c.saveChan) == 0 {
			w.Flush()
		}
	}
	if err := w.Flush(); err != nil {
		c.logger.WithError(err).Warn("flush checkpoint")
	}
}

// Close flushes pending records and closes the log.
func (c *Checkpoint) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.saveChan)
	c.mu.Unlock()

	<-c.stopped
	return c.file.Close()
}

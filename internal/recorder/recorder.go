// Package recorder appends canonical events to hourly-rotated NDJSON
// files. Enqueueing never blocks the ingest path; a single consumer
// goroutine owns the file handle.
package recorder

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Archiver receives the path of every file closed by rotation. Used to
// hand rotated hour files to the S3 uploader.
type Archiver interface {
	Archive(path string)
}

// DropCounter is the slice of the metrics registry the recorder needs.
type DropCounter interface {
	NoteRecorderDropped()
}

type Options struct {
	BaseDir  string
	QueueMax int
	// MaxAge > 0 enables pruning of record files older than now-MaxAge
	// after each rotation.
	MaxAge   time.Duration
	Archiver Archiver
	Metrics  DropCounter
	Log      zerolog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

type Recorder struct {
	baseDir  string
	queue    chan []byte
	maxAge   time.Duration
	archiver Archiver
	metrics  DropCounter
	log      zerolog.Logger
	now      func() time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the consumer goroutine.
	file    *os.File
	writer  *bufio.Writer
	hourKey string

	totalWritten atomic.Int64
	droppedTotal atomic.Int64
}

func New(opts Options) *Recorder {
	if opts.QueueMax <= 0 {
		opts.QueueMax = 10000
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		baseDir:  opts.BaseDir,
		queue:    make(chan []byte, opts.QueueMax),
		maxAge:   opts.MaxAge,
		archiver: opts.Archiver,
		metrics:  opts.Metrics,
		log:      opts.Log.With().Str("component", "recorder").Logger(),
		now:      now,
	}
}

// Start creates the base directory and launches the consumer goroutine.
func (r *Recorder) Start() error {
	if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	r.log.Info().Str("dir", r.baseDir).Msg("recorder started")
	return nil
}

// Stop cancels the consumer, waits for it to exit, and flushes the open
// file. Safe to call more than once.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
		r.closeFile()
		r.log.Info().Int64("total_written", r.totalWritten.Load()).Msg("recorder stopped")
	})
}

// Enqueue hands one serialized event to the consumer. Never blocks: on a
// full queue the line is dropped and counted.
func (r *Recorder) Enqueue(line []byte) {
	select {
	case r.queue <- line:
	default:
		n := r.droppedTotal.Add(1)
		if r.metrics != nil {
			r.metrics.NoteRecorderDropped()
		}
		r.log.Warn().Int64("dropped", n).Msg("recorder queue full, dropping entry")
	}
}

func (r *Recorder) TotalWritten() int64 { return r.totalWritten.Load() }
func (r *Recorder) DroppedTotal() int64 { return r.droppedTotal.Load() }

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case line := <-r.queue:
					r.write(line)
				default:
					return
				}
			}
		case line := <-r.queue:
			r.write(line)
		}
	}
}

func (r *Recorder) write(line []byte) {
	now := r.now().UTC()
	if err := r.rolloverIfNeeded(now); err != nil {
		r.log.Error().Err(err).Msg("recorder rotation failed")
		return
	}
	if _, err := r.writer.Write(line); err != nil {
		r.log.Error().Err(err).Msg("recorder write failed")
		r.closeFile()
		return
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if err := r.writer.WriteByte('\n'); err != nil {
			r.log.Error().Err(err).Msg("recorder write failed")
			r.closeFile()
			return
		}
	}
	// Line-buffered: events are visible to tail/replay as soon as the
	// consumer has handled them. No fsync.
	if err := r.writer.Flush(); err != nil {
		r.log.Error().Err(err).Msg("recorder flush failed")
		r.closeFile()
		return
	}
	r.totalWritten.Add(1)
}

// HourKey formats the UTC rotation key for a point in time.
func HourKey(t time.Time) string {
	return t.UTC().Format("20060102_15")
}

func (r *Recorder) rolloverIfNeeded(now time.Time) error {
	key := HourKey(now)
	if key == r.hourKey && r.file != nil {
		return nil
	}

	rotated := r.currentPath()
	r.closeFile()
	if rotated != "" && r.archiver != nil {
		r.archiver.Archive(rotated)
	}

	path := filepath.Join(r.baseDir, key+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.writer = bufio.NewWriter(f)
	r.hourKey = key
	r.log.Debug().Str("file", path).Msg("recorder rotated")

	if r.maxAge > 0 {
		r.pruneOldFiles(now)
	}
	return nil
}

func (r *Recorder) currentPath() string {
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

func (r *Recorder) closeFile() {
	if r.file == nil {
		return
	}
	if r.writer != nil {
		_ = r.writer.Flush()
	}
	_ = r.file.Close()
	r.file = nil
	r.writer = nil
	r.hourKey = ""
}

func (r *Recorder) pruneOldFiles(now time.Time) {
	cutoff := now.Add(-r.maxAge)
	matches, err := filepath.Glob(filepath.Join(r.baseDir, "*.ndjson"))
	if err != nil {
		return
	}
	current := r.currentPath()
	for _, path := range matches {
		if path == current {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				r.log.Warn().Err(err).Str("file", path).Msg("recorder prune failed")
				continue
			}
			r.log.Info().Str("file", filepath.Base(path)).Float64("max_age_hours", r.maxAge.Hours()).Msg("removed expired record file")
		}
	}
}

// Package syncer implements the per-sample-file-directory background
// worker: it durably persists recordings a Writer has finished, runs
// retention, and garbage-collects unlinked sample files, all off the
// Writer's hot path. Every input arrives as a message on a channel
// so the only shared mutable state between a Writer and its Syncer is that
// channel.
package syncer

import (
	"os"
	"time"

	"github.com/moonfire-go/nvrcore/internal/livefeed"
	"github.com/moonfire-go/nvrcore/internal/logger"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/retention"
	"github.com/moonfire-go/nvrcore/internal/sampledir"
)

// command is the closed set of messages a Syncer accepts; each is handled
// in Run's select loop, never concurrently with another.
type command interface{ isCommand() }

type cmdSaveRecording struct {
	streamID      int32
	id            moontime.CompositeId
	file          *os.File
	mediaDuration moontime.Duration
}

type cmdDatabaseFlushed struct{}

type cmdFlush struct {
	reason string
	ack    chan struct{}
}

func (cmdSaveRecording) isCommand()   {}
func (cmdDatabaseFlushed) isCommand() {}
func (cmdFlush) isCommand()           {}

// FlushIntervalFunc reports how long a stream's syncer should let
// unflushed data accumulate before forcing a flush; normally
// backed by internal/config's per-stream FlushIfSec.
type FlushIntervalFunc func(streamID int32) time.Duration

// Syncer owns one sample-file directory's durability and garbage-collection
// work.
type Syncer struct {
	dir           *sampledir.Dir
	dirID         int32
	db            *metadb.DB
	clock         moontime.Clocks
	log           *logger.Logger
	flushInterval FlushIntervalFunc

	commands chan command
	shutdown <-chan struct{}
	live     *livefeed.Hub

	deadline    *time.Time
	deadlineFor string
	acks        []chan struct{}
}

// New constructs a Syncer for one sample-file directory. Run must be called
// (typically in its own goroutine) before any command is processed.
func New(dir *sampledir.Dir, dirID int32, db *metadb.DB, clock moontime.Clocks, log *logger.Logger, flushInterval FlushIntervalFunc, shutdown <-chan struct{}) *Syncer {
	return &Syncer{
		dir:           dir,
		dirID:         dirID,
		db:            db,
		clock:         clock,
		log:           log,
		flushInterval: flushInterval,
		commands:      make(chan command, 64),
		shutdown:      shutdown,
	}
}

// AttachLiveFeed sets the hub live segments are published to once a
// recording's bytes are durable. Call before Run; nil (the default)
// disables publishing.
func (s *Syncer) AttachLiveFeed(hub *livefeed.Hub) {
	s.live = hub
}

// AsyncSaveRecording hands a just-closed recording to the syncer: the
// Writer has already recorded the row in RAM through its handle and may
// immediately start a new recording without waiting for fsync to complete.
func (s *Syncer) AsyncSaveRecording(streamID int32, id moontime.CompositeId, file *os.File, mediaDuration moontime.Duration) {
	s.commands <- cmdSaveRecording{streamID: streamID, id: id, file: file, mediaDuration: mediaDuration}
}

// DatabaseFlushed notifies the syncer that some flush elsewhere advanced
// state, so it's worth re-checking this directory's garbage set.
func (s *Syncer) DatabaseFlushed() {
	s.commands <- cmdDatabaseFlushed{}
}

// Flush requests an out-of-schedule flush and blocks until it (or a later
// one) completes; used as a synchronous barrier by tests and by shutdown.
func (s *Syncer) Flush(reason string) {
	ack := make(chan struct{})
	s.commands <- cmdFlush{reason: reason, ack: ack}
	<-ack
}

// Run processes commands until shutdown is closed. It performs all blocking
// I/O (fsync, unlink, database calls) itself, off of any Writer's call
// stack.
func (s *Syncer) Run() {
	s.initialRotation()

	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if s.deadline != nil {
			d := time.Until(*s.deadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-s.shutdown:
			if timer != nil {
				timer.Stop()
			}
			return
		case cmd := <-s.commands:
			if timer != nil {
				timer.Stop()
			}
			s.handle(cmd)
		case <-timerC:
			s.expireDeadline()
		}
	}
}

func (s *Syncer) handle(cmd command) {
	switch c := cmd.(type) {
	case cmdSaveRecording:
		s.handleSaveRecording(c)
	case cmdDatabaseFlushed:
		s.handleDatabaseFlushed()
	case cmdFlush:
		s.scheduleAck(c.reason, c.ack, true)
	}
}

func (s *Syncer) handleSaveRecording(c cmdSaveRecording) {
	sampledir.RetryForever(s.clock, s.log, s.shutdown, "fsync sample file", func() error {
		return c.file.Sync()
	})
	c.file.Close()
	sampledir.RetryForever(s.clock, s.log, s.shutdown, "fsync sample file dir", func() error {
		return s.dir.Sync()
	})

	if err := s.db.MarkSynced(c.id); err != nil {
		s.log.Error("syncer: mark synced %s: %v", c.id, err)
		return
	}

	if s.live != nil {
		s.live.Publish(livefeed.LiveSegment{
			StreamID:    c.streamID,
			Recording:   c.id,
			MediaOffEnd: c.mediaDuration,
		})
	}

	if _, err := retention.Enforce(s.db, c.streamID, 0); err != nil {
		s.log.Error("syncer: retention for stream %d: %v", c.streamID, err)
	}

	reason := "rotation"
	interval := s.flushInterval(c.streamID)
	deadline := s.clock.Monotonic().Add(interval - c.mediaDuration.ToGoDuration())
	s.setDeadline(deadline, reason)
}

func (s *Syncer) handleDatabaseFlushed() {
	ids, err := s.db.ListGarbage(s.dirID)
	if err != nil {
		s.log.Error("syncer: list garbage for dir %d: %v", s.dirID, err)
		return
	}
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		sampledir.RetryForever(s.clock, s.log, s.shutdown, "unlink garbage file", func() error {
			return s.dir.UnlinkFile(id)
		})
	}
	sampledir.RetryForever(s.clock, s.log, s.shutdown, "fsync dir after gc", func() error {
		return s.dir.Sync()
	})
	for _, id := range ids {
		if err := s.db.ForgetGarbage(id); err != nil {
			s.log.Error("syncer: forget garbage %s: %v", id, err)
		}
	}
}

// setDeadline sets or tightens the current flush deadline: a new
// deadline never pushes an existing one later.
func (s *Syncer) setDeadline(t time.Time, reason string) {
	if s.deadline != nil && s.deadline.Before(t) {
		return
	}
	s.deadline = &t
	s.deadlineFor = reason
}

func (s *Syncer) scheduleAck(reason string, ack chan struct{}, immediate bool) {
	s.acks = append(s.acks, ack)
	if immediate {
		s.expireDeadline()
		return
	}
	now := s.clock.Monotonic()
	s.setDeadline(now, reason)
}

func (s *Syncer) expireDeadline() {
	reason := s.deadlineFor
	if reason == "" {
		reason = "scheduled"
	}
	if err := s.db.Flush(reason); err != nil {
		// Nothing in RAM changed; retry in a minute. Pending acks stay
		// attached so a Flush barrier doesn't report success early.
		s.log.Error("syncer: flush (%s): %v", reason, err)
		s.deadline = nil
		s.deadlineFor = ""
		retry := s.clock.Monotonic().Add(time.Minute)
		s.setDeadline(retry, "retry after flush failure")
		return
	}
	s.deadline = nil
	s.deadlineFor = ""
	s.handleDatabaseFlushed()

	acks := s.acks
	s.acks = nil
	for _, a := range acks {
		close(a)
	}
}

// initialRotation performs the startup sweep: force
// retention against current limits (which may have shrunk while the
// process was down), flush, then unlink anything already queued as
// garbage.
func (s *Syncer) initialRotation() {
	if err := ScanAbandoned(s.db, s.dir, s.dirID, s.log); err != nil {
		s.log.Error("syncer: abandoned-file scan for %s: %v", s.dir.Path(), err)
	}
	for _, st := range s.db.ListStreams() {
		if st.SampleFileDirID != s.dirID {
			continue
		}
		if _, err := retention.Enforce(s.db, st.ID, 0); err != nil {
			s.log.Error("syncer: initial retention for stream %d: %v", st.ID, err)
		}
	}
	if err := s.db.Flush("initial rotation"); err != nil {
		s.log.Error("syncer: initial rotation flush: %v", err)
		return
	}
	s.handleDatabaseFlushed()
}

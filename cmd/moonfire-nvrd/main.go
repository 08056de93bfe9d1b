// Command moonfire-nvrd runs the storage and recording core: it opens the
// metadata database and sample file directory, starts one syncer per
// directory and one recording session per configured stream, and keeps
// recording until signaled to stop. HTTP serving, authentication, and the
// web UI are separate collaborators and are not started here.
package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moonfire-go/nvrcore/internal/config"
	"github.com/moonfire-go/nvrcore/internal/livefeed"
	"github.com/moonfire-go/nvrcore/internal/logger"
	"github.com/moonfire-go/nvrcore/internal/metadb"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
	"github.com/moonfire-go/nvrcore/internal/retention"
	"github.com/moonfire-go/nvrcore/internal/sampledir"
	"github.com/moonfire-go/nvrcore/internal/status"
	"github.com/moonfire-go/nvrcore/internal/streamsource"
	"github.com/moonfire-go/nvrcore/internal/syncer"
	"github.com/moonfire-go/nvrcore/internal/writer"
)

// rotateInterval is how much media time a recording accumulates before the
// streamer rotates it at the next key frame. Recordings are bounded at five
// minutes by the store; rotating every minute keeps deletion granular.
const rotateInterval = 60 * moontime.TicksPerSecond

func main() {
	configPath := flag.String("config", "nvr.json", "path to configuration file")
	flag.Parse()

	log := logger.NewLogger()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("load config: %v", err)
	}

	clock := moontime.RealClocks{}
	db, err := metadb.Open(cfg.DBPath, clock)
	if err != nil {
		log.Fatal("open database: %v", err)
	}
	defer db.Close()

	open, err := db.StartOpen()
	if err != nil {
		log.Fatal("start open: %v", err)
	}

	dir, dirID, err := openSampleFileDir(db, cfg.SampleFileDir, open, log)
	if err != nil {
		log.Fatal("open sample file dir: %v", err)
	}

	streams, err := reconcileConfig(db, cfg, dirID, log)
	if err != nil {
		log.Fatal("apply config: %v", err)
	}

	shutdown := make(chan struct{})
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received %v, shutting down", sig)
		close(shutdown)
	}()

	flushInterval := func(streamID int32) time.Duration {
		if s, ok := streams[streamID]; ok && s.FlushIfSec > 0 {
			return time.Duration(s.FlushIfSec) * time.Second
		}
		return config.DefaultFlushInterval
	}

	// The syncer outlives the streamers: it must still be accepting
	// commands when each Writer's final Close hands off its last
	// recording, so it gets its own stop channel closed only after every
	// streamer has drained.
	hub := livefeed.NewHub()
	syncerStop := make(chan struct{})
	sy := syncer.New(dir, dirID, db, clock, log, flushInterval, syncerStop)
	sy.AttachLiveFeed(hub)
	syncerDone := make(chan struct{})
	go func() {
		defer close(syncerDone)
		sy.Run()
	}()

	go watchConfig(*configPath, db, streams, log, shutdown)
	go logStatus(db, dirID, log, shutdown)

	var streamers sync.WaitGroup
	for streamID, sc := range streams {
		if !sc.Record {
			continue
		}
		streamers.Add(1)
		go func(streamID int32, sc config.StreamConfig) {
			defer streamers.Done()
			runStreamer(db, dir, sy, clock, log, streamID, open.ID, sc, shutdown)
		}(streamID, sc)
	}

	<-shutdown
	streamers.Wait()
	sy.Flush("NVR shutdown")
	close(syncerStop)
	<-syncerDone
	if err := db.EndOpen(open); err != nil {
		log.Error("end open: %v", err)
	}
	log.Info("shutdown complete")
}

// openSampleFileDir opens (creating on first run) the sample file directory
// and walks the open protocol: record the in-progress open in the dir's
// meta file, commit the open id to the database, then promote the meta
// record to complete. A crash between the last two steps is detected at the
// next startup by the id mismatch; the database side is authoritative.
func openSampleFileDir(db *metadb.DB, path string, open sampledir.OpenRecord, log *logger.Logger) (*sampledir.Dir, int32, error) {
	dir, err := sampledir.Open(path, db.UUID())
	if errors.Is(err, os.ErrNotExist) {
		dir, err = sampledir.Create(path, db.UUID())
	}
	if err != nil {
		return nil, 0, err
	}

	dirID, dirUUID, found, err := db.SampleFileDirByPath(path)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		dirID, err = db.AddSampleFileDir(path, dir.DirUUID())
		if err != nil {
			return nil, 0, err
		}
	} else if dirUUID != dir.DirUUID() {
		log.Fatal("sample file dir %s has uuid %s but the database expects %s", path, dir.DirUUID(), dirUUID)
	}

	if prev := dir.InProgressOpen(); prev != nil {
		log.Warn("sample file dir %s was not cleanly closed by open %d; recovering", path, prev.ID)
	}
	if err := dir.RecordOpenStart(open); err != nil {
		return nil, 0, err
	}
	if err := db.MarkSampleFileDirOpenComplete(dirID, open); err != nil {
		return nil, 0, err
	}
	if err := dir.RecordOpenComplete(open); err != nil {
		return nil, 0, err
	}
	return dir, dirID, nil
}

// reconcileConfig makes the database match the config document: cameras
// and streams are created if missing and retention budgets updated if
// changed. It returns each configured stream's id and config.
func reconcileConfig(db *metadb.DB, cfg *config.Config, dirID int32, log *logger.Logger) (map[int32]config.StreamConfig, error) {
	camsByName := make(map[string]int32)
	for _, c := range db.ListCameras() {
		camsByName[c.ShortName] = c.ID
	}
	type key struct {
		cameraID int32
		typ      string
	}
	streamsByKey := make(map[key]metadb.Stream)
	for _, s := range db.ListStreams() {
		streamsByKey[key{s.CameraID, s.Type}] = s
	}

	out := make(map[int32]config.StreamConfig)
	for _, cam := range cfg.Cameras {
		camID, ok := camsByName[cam.ShortName]
		if !ok {
			var err error
			camID, err = db.AddCamera(cam.ShortName, cam.Description)
			if err != nil {
				return nil, err
			}
			log.Info("registered camera %q as id %d", cam.ShortName, camID)
		}
		for _, sc := range cam.Streams {
			s, ok := streamsByKey[key{camID, sc.Type}]
			if !ok {
				id, err := db.AddStream(camID, sc.Type, sc.Record, sc.RetainBytes)
				if err != nil {
					return nil, err
				}
				if err := db.SetStreamSampleFileDir(id, dirID); err != nil {
					return nil, err
				}
				log.Info("registered stream %q/%s as id %d", cam.ShortName, sc.Type, id)
				out[id] = sc
				continue
			}
			if s.RetainBytes != sc.RetainBytes {
				if _, err := retention.LowerRetention(db, s.ID, sc.RetainBytes); err != nil {
					return nil, err
				}
			}
			out[s.ID] = sc
		}
	}
	return out, nil
}

// watchConfig follows the config file for edits and applies retention
// changes without a restart. Other kinds of change (new cameras, changed
// URLs) still need a restart; only the budget is safe to adjust live.
func watchConfig(path string, db *metadb.DB, streams map[int32]config.StreamConfig, log *logger.Logger, shutdown <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watch disabled: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		log.Warn("config watch disabled: %v", err)
		return
	}

	for {
		select {
		case <-shutdown:
			return
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := config.LoadConfig(path)
			if err != nil {
				log.Warn("ignoring config reload: %v", err)
				continue
			}
			applyRetentionChanges(db, cfg, streams, log)
		case err := <-watcher.Errors:
			log.Warn("config watch: %v", err)
		}
	}
}

func applyRetentionChanges(db *metadb.DB, cfg *config.Config, streams map[int32]config.StreamConfig, log *logger.Logger) {
	byName := make(map[string]int32)
	for _, c := range db.ListCameras() {
		byName[c.ShortName] = c.ID
	}
	dbStreams := db.ListStreams()
	for _, cam := range cfg.Cameras {
		camID, ok := byName[cam.ShortName]
		if !ok {
			continue
		}
		for _, sc := range cam.Streams {
			for _, s := range dbStreams {
				if s.CameraID != camID || s.Type != sc.Type || s.RetainBytes == sc.RetainBytes {
					continue
				}
				log.Info("retention for stream %d: %d -> %d bytes", s.ID, s.RetainBytes, sc.RetainBytes)
				if _, err := retention.LowerRetention(db, s.ID, sc.RetainBytes); err != nil {
					log.Error("update retention for stream %d: %v", s.ID, err)
				}
			}
		}
	}
}

// logStatus periodically logs a recording snapshot, the same data a status
// endpoint would serve.
func logStatus(db *metadb.DB, dirID int32, log *logger.Logger, shutdown <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
		}
		snap, err := status.Collect(db, []int32{dirID})
		if err != nil {
			log.Warn("status: %v", err)
			continue
		}
		for _, s := range snap.Streams {
			log.Info("status: stream %d (%s/%s): %d of %d disk bytes used",
				s.StreamID, s.CameraShortName, s.Type, s.FSBytes, s.RetainBytes)
		}
		for _, d := range snap.SampleFileDirs {
			if d.GarbageCount > 0 {
				log.Info("status: dir %d: %d file(s) awaiting unlink", d.DirID, d.GarbageCount)
			}
		}
	}
}

// runStreamer is one stream's ingest loop: dial the camera, feed frames to
// a Writer, rotate at key frames once enough media has accumulated, and
// redial (with backoff) whenever the source or the writer fails.
func runStreamer(db *metadb.DB, dir *sampledir.Dir, sy *syncer.Syncer, clock moontime.Clocks, log *logger.Logger, streamID int32, openID int64, sc config.StreamConfig, shutdown <-chan struct{}) {
	for {
		select {
		case <-shutdown:
			return
		default:
		}

		src, err := streamsource.DialRTSP(sc.RTSPURL, clock, log)
		if err != nil {
			log.Warn("stream %d: dial %s: %v; retrying", streamID, sc.RTSPURL, err)
			clock.Sleep(10*time.Second, shutdown)
			continue
		}
		// Unblock a session stuck in Next when shutdown arrives; the
		// source surfaces the teardown as a read error.
		sessionDone := make(chan struct{})
		go func() {
			select {
			case <-shutdown:
				src.Close()
			case <-sessionDone:
			}
		}()
		runSession(db, dir, sy, clock, log, streamID, openID, src, shutdown)
		close(sessionDone)
		src.Close()
	}
}

func runSession(db *metadb.DB, dir *sampledir.Dir, sy *syncer.Syncer, clock moontime.Clocks, log *logger.Logger, streamID int32, openID int64, src streamsource.Source, shutdown <-chan struct{}) {
	entry := src.VideoSampleEntry()
	entryID, err := db.AddVideoSampleEntry(entry)
	if err != nil {
		log.Error("stream %d: register video sample entry: %v", streamID, err)
		return
	}
	entry.ID = entryID

	w := writer.New(db, dir, sy, clock, log, streamID, openID, shutdown)
	var recStartPTS int64
	firstFrame := true
	for {
		select {
		case <-shutdown:
			w.Close(recording.EndReasonStop)
			return
		default:
		}

		frame, err := src.Next()
		if err != nil {
			log.Warn("stream %d: source: %v", streamID, err)
			w.Close(recording.EndReasonStop)
			return
		}

		rotate := false
		if firstFrame {
			recStartPTS = frame.PTS90k
			firstFrame = false
		} else if frame.IsKey && frame.PTS90k-recStartPTS >= rotateInterval {
			rotate = true
			recStartPTS = frame.PTS90k
		}

		wf := writer.Frame{Bytes: frame.Data, LocalTime: frame.LocalTime, PTS90k: frame.PTS90k, IsKey: frame.IsKey}
		if err := w.Write(wf, entry, rotate); err != nil {
			log.Warn("stream %d: write: %v; restarting session", streamID, err)
			w.Close(recording.EndReasonDrop)
			return
		}
	}
}

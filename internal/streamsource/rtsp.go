package streamsource

import (
	"fmt"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtp"

	"github.com/moonfire-go/nvrcore/internal/logger"
	"github.com/moonfire-go/nvrcore/internal/merr"
	"github.com/moonfire-go/nvrcore/internal/moontime"
	"github.com/moonfire-go/nvrcore/internal/recording"
)

// frameBuffer bounds how far the reader may fall behind the RTP callback
// before frames are dropped. The Writer's per-frame work is tiny (one
// append + index update), so a backlog this deep means something is badly
// wrong downstream; dropping is better than buffering unboundedly.
const frameBuffer = 64

type frameOrErr struct {
	frame VideoFrame
	err   error
}

// RTSPSource pulls one camera stream over RTSP and depacketizes it into
// VideoFrames. It implements Source.
type RTSPSource struct {
	client *gortsplib.Client
	clock  moontime.Clocks
	log    *logger.Logger
	entry  recording.VideoSampleEntry
	frames chan frameOrErr
}

// DialRTSP connects to url, sets up the first H.264 media it describes, and
// starts playing. The stream must carry its SPS/PPS out-of-band (in the
// SDP); cameras that only send them in-band are not supported.
func DialRTSP(url string, clock moontime.Clocks, log *logger.Logger) (*RTSPSource, error) {
	u, err := base.ParseURL(url)
	if err != nil {
		return nil, merr.Wrap(merr.InvalidArgument, err, "bad rtsp url %q", url)
	}

	c := &gortsplib.Client{}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("streamsource: connect %s: %w", u.Host, err)
	}

	desc, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("streamsource: describe %s: %w", url, err)
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		c.Close()
		return nil, merr.New(merr.FailedPrecondition, "%s has no H.264 track", url)
	}
	if forma.SPS == nil || forma.PPS == nil {
		c.Close()
		return nil, merr.New(merr.FailedPrecondition, "%s does not declare SPS/PPS in its SDP", url)
	}

	var sps h264.SPS
	if err := sps.Unmarshal(forma.SPS); err != nil {
		c.Close()
		return nil, merr.Wrap(merr.DataLoss, err, "%s: corrupt SPS", url)
	}
	entry, err := NewVideoSampleEntry(forma.SPS, forma.PPS, sps.Width(), sps.Height())
	if err != nil {
		c.Close()
		return nil, err
	}

	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("streamsource: create h264 decoder: %w", err)
	}

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		c.Close()
		return nil, fmt.Errorf("streamsource: setup %s: %w", url, err)
	}

	s := &RTSPSource{
		client: c,
		clock:  clock,
		log:    log,
		entry:  entry,
		frames: make(chan frameOrErr, frameBuffer),
	}

	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		pts, ok := c.PacketPTS2(medi, pkt)
		if !ok {
			return
		}
		au, err := rtpDec.Decode(pkt)
		if err != nil {
			if err != rtph264.ErrMorePacketsNeeded && err != rtph264.ErrNonStartingPacketAndNoPrevious {
				s.log.Debug("streamsource: %s: decode: %v", url, err)
			}
			return
		}
		data, isKey := MarshalAccessUnit(au)
		if len(data) == 0 {
			return
		}
		f := VideoFrame{Data: data, LocalTime: s.clock.Now(), PTS90k: pts, IsKey: isKey}
		select {
		case s.frames <- frameOrErr{frame: f}:
		default:
			s.log.Warn("streamsource: %s: dropping frame, reader %d frames behind", url, frameBuffer)
		}
	})

	if _, err := c.Play(nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("streamsource: play %s: %w", url, err)
	}

	go func() {
		err := c.Wait()
		if err == nil {
			err = fmt.Errorf("streamsource: %s: session ended", url)
		}
		s.frames <- frameOrErr{err: err}
	}()

	return s, nil
}

// Next returns the next frame, blocking until one arrives. Once it returns
// an error the source is dead and every subsequent call returns an error.
func (s *RTSPSource) Next() (VideoFrame, error) {
	fe := <-s.frames
	if fe.err != nil {
		// Keep the channel yielding the error for any racing caller.
		select {
		case s.frames <- fe:
		default:
		}
		return VideoFrame{}, fe.err
	}
	return fe.frame, nil
}

// VideoSampleEntry returns the codec parameters captured from the SDP.
func (s *RTSPSource) VideoSampleEntry() recording.VideoSampleEntry {
	return s.entry
}

// Close tears down the RTSP session.
func (s *RTSPSource) Close() error {
	s.client.Close()
	return nil
}

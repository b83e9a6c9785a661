package proctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"
)

var (
	// ErrNoCaptureSource is returned when no capture device or file is configured.
	ErrNoCaptureSource = errors.New("no capture source configured")
	// ErrUnsupportedCodec is returned for capture files that are not VP8.
	ErrUnsupportedCodec = errors.New("unsupported capture codec")
)

// Stream is an acquired local capture. Stop releases it and is idempotent.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// Capturer acquires the local video stream.
type Capturer interface {
	Capture(ctx context.Context) (Stream, error)
}

// FileCapturer plays a VP8 IVF file in a loop as the candidate camera. The stream carries
// video only.
type FileCapturer struct {
	path      string
	fps       int
	maxWidth  int
	maxHeight int
	log       zerolog.Logger
}

// NewFileCapturer creates a FileCapturer. Frames larger than maxWidth x maxHeight are
// streamed as is but logged.
func NewFileCapturer(path string, fps, maxWidth, maxHeight int, log zerolog.Logger) *FileCapturer {
	if fps <= 0 {
		fps = 10
	}
	return &FileCapturer{
		path:      path,
		fps:       fps,
		maxWidth:  maxWidth,
		maxHeight: maxHeight,
		log:       log.With().Str("component", "capture").Logger(),
	}
}

func (c *FileCapturer) Capture(ctx context.Context) (Stream, error) {
	if c.path == "" {
		return nil, ErrNoCaptureSource
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, header.FourCC)
	}
	if (c.maxWidth > 0 && int(header.Width) > c.maxWidth) || (c.maxHeight > 0 && int(header.Height) > c.maxHeight) {
		c.log.Warn().
			Uint16("width", header.Width).
			Uint16("height", header.Height).
			Msg("Capture file exceeds configured resolution")
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"exstem-"+uuid.NewString(),
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create track: %w", err)
	}

	playCtx, cancel := context.WithCancel(context.Background())
	s := &fileStream{track: track, cancel: cancel, done: make(chan struct{})}
	go s.play(playCtx, f, reader, time.Second/time.Duration(c.fps), c.log)

	c.log.Info().Str("path", c.path).Int("fps", c.fps).Msg("Capture started")
	return s, nil
}

type fileStream struct {
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *fileStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *fileStream) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *fileStream) play(ctx context.Context, f *os.File, reader *ivfreader.IVFReader, interval time.Duration, log zerolog.Logger) {
	defer close(s.done)
	defer f.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			// Rewind and loop the clip.
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				log.Error().Err(err).Msg("Rewind capture file")
				return
			}
			if reader, _, err = ivfreader.NewWith(f); err != nil {
				log.Error().Err(err).Msg("Reopen capture file")
				return
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("Read capture frame")
			return
		}
		if err := s.track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			log.Debug().Err(err).Msg("Write capture sample")
		}
	}
}

// Package proctor streams the candidate camera to every observer watching the attempt. The
// candidate never offers: each observer sends an offer over the realtime channel and gets
// its own peer connection answered back.
package proctor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/realtime"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("proctoring engine closed")

const emitTimeout = 5 * time.Second

// Stats is a point-in-time view of the engine resources.
type Stats struct {
	Peers     int
	Tracks    int
	Streaming bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSpawn sets how peer task queues are run. The default starts a goroutine; tests pass
// a function that runs the queue inline.
func WithSpawn(spawn func(func())) Option {
	return func(e *Engine) { e.spawn = spawn }
}

// Engine owns the local stream and one peer record per observer.
type Engine struct {
	ch       realtime.Channel
	newPeer  PeerFactory
	capturer Capturer
	examID   string
	selfID   string
	log      zerolog.Logger
	spawn    func(func())

	acquire singleflight.Group
	wg      sync.WaitGroup

	mu     sync.Mutex
	stream Stream
	peers  map[string]*peer
	unsub  func()
	closed bool
}

// New creates an Engine for selfID in examID. Nothing happens until Start.
func New(ch realtime.Channel, newPeer PeerFactory, capturer Capturer, examID, selfID string, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		ch:       ch,
		newPeer:  newPeer,
		capturer: capturer,
		examID:   examID,
		selfID:   selfID,
		log:      log.With().Str("component", "proctor").Logger(),
		spawn:    func(f func()) { go f() },
		peers:    make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to signaling. Calling it again is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.unsub != nil {
		return
	}
	e.unsub = e.ch.Subscribe(realtime.EventWebRTCSignal, e.onSignal)
}

// Acquire captures the local stream once and announces webrtc_ready. Concurrent calls share
// the in-flight capture, and calls after a successful capture return immediately.
func (e *Engine) Acquire(ctx context.Context) error {
	_, err, _ := e.acquire.Do("stream", func() (any, error) {
		e.mu.Lock()
		switch {
		case e.closed:
			e.mu.Unlock()
			return nil, ErrClosed
		case e.stream != nil:
			e.mu.Unlock()
			return nil, nil
		}
		e.mu.Unlock()

		stream, err := e.capturer.Capture(ctx)
		if err != nil {
			e.log.Warn().Err(err).Msg("Media acquisition failed, continuing without video")
			return nil, err
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			stream.Stop()
			return nil, ErrClosed
		}
		e.stream = stream
		peers := e.peerListLocked()
		e.mu.Unlock()

		for _, p := range peers {
			p.post(e.spawn, &e.wg, func() { e.attachTrack(p) })
		}
		e.announce(ctx)
		return nil, nil
	})
	return err
}

// Announce re-sends webrtc_ready when a stream exists. It reports whether it did.
func (e *Engine) Announce(ctx context.Context) bool {
	e.mu.Lock()
	streaming := e.stream != nil && !e.closed
	e.mu.Unlock()
	if streaming {
		e.announce(ctx)
	}
	return streaming
}

func (e *Engine) announce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	err := e.ch.Emit(ctx, realtime.EventWebRTCReady, realtime.WebRTCReady{ExamID: e.examID, StudentID: e.selfID})
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to announce stream")
	}
}

// Stats reports live peers and tracks.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Peers: len(e.peers), Streaming: e.stream != nil}
	if e.stream != nil {
		s.Tracks = len(e.stream.Tracks())
	}
	return s
}

// Close unsubscribes, closes every peer connection, stops the stream and waits for queued
// peer work to finish. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsub := e.unsub
	e.unsub = nil
	peers := e.peerListLocked()
	e.peers = make(map[string]*peer)
	stream := e.stream
	e.stream = nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, p := range peers {
		if err := p.close(); err != nil {
			e.log.Debug().Err(err).Str("observer_id", p.observerID).Msg("Close peer")
		}
	}
	if stream != nil {
		stream.Stop()
	}
	e.wg.Wait()
	e.log.Info().Int("peers", len(peers)).Msg("Proctoring stopped")
}

func (e *Engine) peerListLocked() []*peer {
	out := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

// onSignal runs on the transport goroutine. It only routes; the work happens on the peer's
// task queue.
func (e *Engine) onSignal(data json.RawMessage) {
	msg, err := realtime.Decode[realtime.WebRTCSignal](data)
	if err != nil {
		e.log.Debug().Err(err).Msg("Malformed webrtc_signal")
		return
	}
	if msg.TargetID != e.selfID || msg.FromID == "" {
		return
	}

	p, err := e.peerFor(msg.FromID, msg.Signal.Type == realtime.SignalOffer)
	if err != nil {
		e.log.Error().Err(err).Str("observer_id", msg.FromID).Msg("Failed to open peer connection")
		return
	}
	if p == nil {
		return
	}
	sig := msg.Signal
	p.post(e.spawn, &e.wg, func() { e.handle(p, sig) })
}

// peerFor returns the record for observerID, creating it when missing. An offer arriving for
// a record whose connection already closed or failed replaces the record.
func (e *Engine) peerFor(observerID string, offer bool) (*peer, error) {
	p, created, err := e.lookupPeer(observerID, offer)
	if err != nil || p == nil {
		return nil, err
	}
	if created {
		// Queued ahead of the signal that created the record.
		p.post(e.spawn, &e.wg, func() { e.attachTrack(p) })
	}
	return p, nil
}

func (e *Engine) lookupPeer(observerID string, offer bool) (*peer, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, nil
	}

	if p, ok := e.peers[observerID]; ok {
		if !(offer && p.dead()) {
			return p, false, nil
		}
		delete(e.peers, observerID)
		if err := p.close(); err != nil {
			e.log.Debug().Err(err).Str("observer_id", observerID).Msg("Close replaced peer")
		}
		e.log.Info().Str("observer_id", observerID).Msg("Replacing dead peer connection")
	}

	pc, err := e.newPeer()
	if err != nil {
		return nil, false, err
	}
	p := newPeer(observerID, pc)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.sendCandidate(p, c.ToJSON())
	})
	e.peers[observerID] = p
	e.log.Debug().Str("observer_id", observerID).Msg("Peer connection created")
	return p, true, nil
}

func (e *Engine) handle(p *peer, sig realtime.Signal) {
	switch sig.Type {
	case realtime.SignalOffer:
		e.handleOffer(p, sig.SDP)
	case realtime.SignalCandidate:
		e.handleCandidate(p, sig.Candidate)
	default:
		e.log.Debug().Str("type", string(sig.Type)).Str("observer_id", p.observerID).Msg("Ignoring signal")
	}
}

func (e *Engine) handleOffer(p *peer, sdp string) {
	log := e.log.With().Str("observer_id", p.observerID).Logger()
	if state := p.pc.SignalingState(); state != webrtc.SignalingStateStable {
		log.Debug().Str("state", state.String()).Msg("Dropping offer outside stable state")
		return
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		log.Warn().Err(err).Msg("Set remote description")
		return
	}
	e.attachTrack(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		log.Warn().Err(err).Msg("Create answer")
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		log.Warn().Err(err).Msg("Set local description")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, emitTimeout)
	err = e.ch.Emit(ctx, realtime.EventWebRTCSignal, realtime.WebRTCSignal{
		ExamID:   e.examID,
		TargetID: p.observerID,
		FromID:   e.selfID,
		Signal:   realtime.Signal{Type: realtime.SignalAnswer, SDP: answer.SDP},
	})
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("Send answer")
	}

	queued := p.pending
	p.pending = nil
	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Debug().Err(err).Msg("Apply queued candidate")
		}
	}
	log.Debug().Int("flushed", len(queued)).Msg("Answered offer")
}

func (e *Engine) handleCandidate(p *peer, c *realtime.ICECandidate) {
	if c == nil {
		return
	}
	cand := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, cand)
		return
	}
	if err := p.pc.AddICECandidate(cand); err != nil {
		e.log.Debug().Err(err).Str("observer_id", p.observerID).Msg("Apply candidate")
	}
}

func (e *Engine) attachTrack(p *peer) {
	if p.trackAttached {
		return
	}
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream == nil {
		return
	}
	for _, track := range stream.Tracks() {
		if _, err := p.pc.AddTrack(track); err != nil {
			e.log.Warn().Err(err).Str("observer_id", p.observerID).Msg("Add track")
			return
		}
	}
	p.trackAttached = true
}

func (e *Engine) sendCandidate(p *peer, c webrtc.ICECandidateInit) {
	if p.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, emitTimeout)
	defer cancel()
	err := e.ch.Emit(ctx, realtime.EventWebRTCSignal, realtime.WebRTCSignal{
		ExamID:   e.examID,
		TargetID: p.observerID,
		FromID:   e.selfID,
		Signal: realtime.Signal{
			Type: realtime.SignalCandidate,
			Candidate: &realtime.ICECandidate{
				Candidate:        c.Candidate,
				SDPMid:           c.SDPMid,
				SDPMLineIndex:    c.SDPMLineIndex,
				UsernameFragment: c.UsernameFragment,
			},
		},
	})
	if err != nil {
		e.log.Debug().Err(err).Str("observer_id", p.observerID).Msg("Send local candidate")
	}
}

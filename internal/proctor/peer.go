package proctor

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the part of *webrtc.PeerConnection the engine drives.
type PeerConnection interface {
	SignalingState() webrtc.SignalingState
	RemoteDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// PeerFactory opens a new, unnegotiated peer connection.
type PeerFactory func() (PeerConnection, error)

// NewPionFactory returns a PeerFactory backed by pion with the given STUN/TURN urls.
func NewPionFactory(iceServers []string) PeerFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}

// peer is the record for one observer. Its work runs as a serial task queue: at most one
// function executes at a time and in posting order. Queues of different peers run
// independently.
type peer struct {
	observerID string
	pc         PeerConnection
	ctx        context.Context
	cancel     context.CancelFunc

	// Owned by the task queue.
	pending       []webrtc.ICECandidateInit
	trackAttached bool

	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

func newPeer(observerID string, pc PeerConnection) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{observerID: observerID, pc: pc, ctx: ctx, cancel: cancel}
}

// post queues fn and starts a drain through spawn when the queue was idle. It reports false
// once the peer is closed.
func (p *peer) post(spawn func(func()), wg *sync.WaitGroup, fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, fn)
	if p.running {
		p.mu.Unlock()
		return true
	}
	p.running = true
	wg.Add(1)
	p.mu.Unlock()

	spawn(func() {
		defer wg.Done()
		p.drain()
	})
	return true
}

func (p *peer) drain() {
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if p.ctx.Err() != nil {
			continue
		}
		fn()
	}
}

// close cancels queued work and closes the connection.
func (p *peer) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()

	p.cancel()
	return p.pc.Close()
}

func (p *peer) dead() bool {
	switch p.pc.ConnectionState() {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		return true
	}
	return false
}

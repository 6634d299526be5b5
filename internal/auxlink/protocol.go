package auxlink

import (
	"bytes"
	"log"
	"sync"
	"sync/atomic"

	"github.com/lowaak/smart-trainer/spin-controller/internal/fusion"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

// Frame bytes. Inbound frames start with Header; outbound polls start with
// RequestHeader. Both directions end with Footer.
const (
	Header        = fusion.AuxHeader
	RequestHeader = byte(0xF5)
	Footer        = byte(0xF6)

	PowerID      = fusion.AuxPowerID
	CadenceID    = fusion.AuxCadenceID
	ResistanceID = fusion.AuxResistanceID

	FrameSize = 4
)

const (
	// DefaultLivenessRounds is how many unanswered poll rounds mark the
	// link as gone, and how many ticks it is then left alone
	DefaultLivenessRounds = 20

	// maxPending caps buffered receive bytes without a footer
	maxPending = 64
)

var pollOrder = [...]byte{PowerID, CadenceID, ResistanceID}

// PollFrame builds the 4 byte request {RequestHeader, id, 0x00, checksum}
func PollFrame(id byte) [FrameSize]byte {
	return [FrameSize]byte{RequestHeader, id, 0x00, RequestHeader + id}
}

// Transport carries poll frames to the bike
type Transport interface {
	// Writable reports whether a full frame can be written without blocking
	Writable() bool
	Write(p []byte) (int, error)
}

// Fuser receives decoded aux link frames
type Fuser interface {
	Fuse(source fusion.SourceID, address string, raw []byte)
}

// Protocol polls the aux link and tracks whether it is alive.
//
// The liveness counter is signed: positive values count down the poll rounds
// left before the link is declared gone. At zero it flips to -rounds, during
// which nothing is sent, and climbs back to +1 to resume polling. Any
// reception re-arms it to +rounds.
type Protocol struct {
	rt        *state.Runtime
	fuser     Fuser
	transport Transport
	logger    *log.Logger
	rounds    int32

	liveness atomic.Int32

	// tick only
	slot      int
	writeErrs int

	rxMu    sync.Mutex
	pending []byte
}

type Option func(*Protocol)

func WithLivenessRounds(n int32) Option {
	return func(p *Protocol) { p.rounds = n }
}

func New(rt *state.Runtime, fuser Fuser, transport Transport, logger *log.Logger, opts ...Option) *Protocol {
	if rt == nil {
		panic("AuxLink: runtime cannot be nil")
	}
	if fuser == nil {
		panic("AuxLink: fuser cannot be nil")
	}
	if transport == nil {
		panic("AuxLink: transport cannot be nil")
	}
	if logger == nil {
		panic("AuxLink: logger cannot be nil")
	}
	p := &Protocol{
		rt:        rt,
		fuser:     fuser,
		transport: transport,
		logger:    logger,
		rounds:    DefaultLivenessRounds,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.liveness.Store(p.rounds)
	return p
}

// Poll runs once per tick: sends the next request while armed, otherwise
// advances the hold-off
func (p *Protocol) Poll() {
	n := p.liveness.Load()
	if n >= 1 {
		p.sendNext()
		return
	}

	next := n + 1
	switch n {
	case 0:
		next = -p.rounds
	case -1:
		next = 1
	}
	if !p.liveness.CompareAndSwap(n, next) {
		// a reception re-armed the link
		return
	}
	if n != 0 {
		return
	}
	if p.rt.AuxLinkConnected() {
		p.logger.Printf("AuxLink: no response for %d rounds, link disconnected", p.rounds)
	}
	p.rt.SetAuxLinkConnected(false)
	p.rt.ResetResistanceBounds()
}

func (p *Protocol) sendNext() {
	id := pollOrder[p.slot]
	p.slot = (p.slot + 1) % len(pollOrder)
	if id == ResistanceID {
		p.liveness.Add(-1)
	}

	if !p.transport.Writable() {
		return
	}
	frame := PollFrame(id)
	if _, err := p.transport.Write(frame[:]); err != nil {
		p.writeErrs++
		if p.writeErrs == 1 || p.writeErrs%100 == 0 {
			p.logger.Printf("AuxLink: write failed (%d times): %v", p.writeErrs, err)
		}
		return
	}
	p.writeErrs = 0
}

// Receive is the asynchronous receive path. chunk may hold any part of one
// or more frames; it is copied.
func (p *Protocol) Receive(chunk []byte) {
	var frames [][]byte

	p.rxMu.Lock()
	p.pending = append(p.pending, chunk...)
	for {
		i := bytes.IndexByte(p.pending, Footer)
		if i < 0 {
			break
		}
		if frame := findFrame(p.pending[:i]); frame != nil {
			frames = append(frames, append([]byte(nil), frame...))
		}
		p.pending = p.pending[i+1:]
	}
	if len(p.pending) > maxPending {
		// no footer in sight; keep only what could still be a frame
		if h := bytes.LastIndexByte(p.pending, Header); h >= 0 && len(p.pending)-h <= maxPending {
			p.pending = p.pending[h:]
		} else {
			p.pending = p.pending[:0]
		}
	}
	p.pending = append([]byte(nil), p.pending...)
	p.rxMu.Unlock()

	for _, frame := range frames {
		p.fuser.Fuse(fusion.SourceAuxLink, fusion.AuxLinkAddress, frame)
		p.markConnected()
	}
}

// findFrame resynchronises on the first header in segment
func findFrame(segment []byte) []byte {
	i := bytes.IndexByte(segment, Header)
	if i < 0 {
		return nil
	}
	return segment[i:]
}

func (p *Protocol) markConnected() {
	p.liveness.Store(p.rounds)

	rt := p.rt
	if rt.Resistance.Value() > 0 {
		rt.SetResistanceBounds(state.AuxLinkMinResistance, state.AuxLinkMaxResistance)
	} else {
		rt.ResetResistanceBounds()
	}
	if !rt.AuxLinkConnected() {
		rt.SetAuxLinkConnected(true)
		p.logger.Printf("AuxLink: link connected, resistance bounds [%d, %d]", rt.MinResistance(), rt.MaxResistance())
	}
}

// Liveness returns the signed liveness counter
func (p *Protocol) Liveness() int32 {
	return p.liveness.Load()
}

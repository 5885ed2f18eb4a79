package domain

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type PeerLinkState string

const (
	LinkNew        PeerLinkState = "new"
	LinkConnecting PeerLinkState = "connecting"
	LinkConnected  PeerLinkState = "connected"
	LinkFailed     PeerLinkState = "failed"
	LinkClosed     PeerLinkState = "closed"
)

// PeerLink is the media channel between the local participant and one
// remote participant. Exactly one exists per active remote participant.
type PeerLink struct {
	ParticipantID string
	Conn          *webrtc.PeerConnection
	CreatedAt     time.Time

	// Initiator is true when the local side sends the offer for this link.
	Initiator bool

	mu    sync.Mutex
	state PeerLinkState

	// Candidates arriving before the remote description are buffered here
	// and flushed once it is set.
	pendingCandidates []webrtc.ICECandidateInit

	statsMu sync.Mutex
	stats   RTPStats
	lastSeq uint16
	seqSeen bool
}

// RTPStats are cumulative inbound counters for one link. Lost is
// estimated from sequence-number gaps.
type RTPStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Lost    uint64 `json:"lost"`
}

func NewPeerLink(participantID string, conn *webrtc.PeerConnection, initiator bool) *PeerLink {
	return &PeerLink{
		ParticipantID: participantID,
		Conn:          conn,
		CreatedAt:     time.Now(),
		Initiator:     initiator,
		state:         LinkNew,
	}
}

func (l *PeerLink) State() PeerLinkState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *PeerLink) SetState(s PeerLinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = s
}

// BufferCandidate stores a candidate until the remote description exists.
func (l *PeerLink) BufferCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pendingCandidates = append(l.pendingCandidates, c)
}

// DrainCandidates returns and clears the buffered candidates.
func (l *PeerLink) DrainCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := l.pendingCandidates
	l.pendingCandidates = nil

	return pending
}

// RecordRTP folds one inbound packet into the link's counters.
func (l *PeerLink) RecordRTP(pkt *rtp.Packet) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	l.stats.Packets++
	l.stats.Bytes += uint64(len(pkt.Payload))

	if l.seqSeen {
		// uint16 arithmetic handles sequence wrap.
		gap := pkt.SequenceNumber - l.lastSeq
		if gap > 1 && gap < 1<<15 {
			l.stats.Lost += uint64(gap - 1)
		}
	}

	l.lastSeq = pkt.SequenceNumber
	l.seqSeen = true
}

func (l *PeerLink) Stats() RTPStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	return l.stats
}

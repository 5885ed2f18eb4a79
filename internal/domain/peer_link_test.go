package domain

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func candidateInit(c string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c}
}

func TestPeerLinkRecordRTP(t *testing.T) {
	link := NewPeerLink("p1", nil, false)

	packet := func(seq uint16, payload int) *rtp.Packet {
		return &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seq},
			Payload: make([]byte, payload),
		}
	}

	link.RecordRTP(packet(100, 10))
	link.RecordRTP(packet(101, 10))
	// Gap of three: packets 102..104 lost.
	link.RecordRTP(packet(105, 10))

	stats := link.Stats()
	assert.Equal(t, uint64(3), stats.Packets)
	assert.Equal(t, uint64(30), stats.Bytes)
	assert.Equal(t, uint64(3), stats.Lost)
}

func TestPeerLinkRecordRTPSequenceWrap(t *testing.T) {
	link := NewPeerLink("p1", nil, false)

	link.RecordRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 65535}})
	link.RecordRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 0}})

	assert.Equal(t, uint64(0), link.Stats().Lost)
}

func TestPeerLinkRecordRTPReorderNotCountedAsLoss(t *testing.T) {
	link := NewPeerLink("p1", nil, false)

	link.RecordRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 10}})
	// Late arrival of an older packet: the backwards gap must not inflate
	// the loss counter.
	link.RecordRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 8}})

	assert.Equal(t, uint64(0), link.Stats().Lost)
}

func TestPeerLinkCandidateBuffer(t *testing.T) {
	link := NewPeerLink("p1", nil, true)

	link.BufferCandidate(candidateInit("a"))
	link.BufferCandidate(candidateInit("b"))

	drained := link.DrainCandidates()
	assert.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].Candidate)

	assert.Empty(t, link.DrainCandidates())
}

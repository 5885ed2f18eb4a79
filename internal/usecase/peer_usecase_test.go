package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-chat/conclave/internal/application/config"
	"github.com/conclave-chat/conclave/internal/domain"
	"github.com/conclave-chat/conclave/internal/domain/events"
	"github.com/conclave-chat/conclave/internal/infra/adapters/memory"
)

func newPeerFixture(t *testing.T) (PeerUsecase, *fakeTransport, memory.PeerLinkRepository) {
	t.Helper()

	mediaEngine := &webrtc.MediaEngine{}
	require.NoError(t, mediaEngine.RegisterDefaultCodecs())

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	cfg := &config.Config{PeerConnectTimeout: time.Minute}
	transport := newFakeTransport()
	repo := memory.NewPeerLinkRepository()

	peers := NewPeerUsecase(cfg, api, repo, transport, nil)
	peers.Bind("self", nil)

	t.Cleanup(peers.CloseAll)

	return peers, transport, repo
}

func TestPeerCreateLinkIsIdempotent(t *testing.T) {
	peers, transport, repo := newPeerFixture(t)

	first, err := peers.CreateLink(context.Background(), "p1", true)
	require.NoError(t, err)

	second, err := peers.CreateLink(context.Background(), "p1", true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, repo.Count())

	// Exactly one offer went out.
	offers := transport.sentOfType(events.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "p1", offers[0].To)
}

func TestPeerCreateLinkConcurrent(t *testing.T) {
	// The session loop and the transport read pump can both ask for the
	// same link at once; both callers must land on one connection.
	peers, _, repo := newPeerFixture(t)

	const callers = 4

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		links []*domain.PeerLink
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			link, err := peers.CreateLink(context.Background(), "p1", false)
			assert.NoError(t, err)

			mu.Lock()
			links = append(links, link)
			mu.Unlock()
		}()
	}

	wg.Wait()

	require.Len(t, links, callers)
	for _, link := range links[1:] {
		assert.Same(t, links[0], link)
	}

	assert.Equal(t, 1, repo.Count())
}

func TestPeerPassiveLinkSendsNoOffer(t *testing.T) {
	peers, transport, _ := newPeerFixture(t)

	link, err := peers.CreateLink(context.Background(), "p1", false)
	require.NoError(t, err)

	assert.False(t, link.Initiator)
	assert.Empty(t, transport.sentOfType(events.TypeOffer))
}

func TestPeerCloseLinkUnknownIsNoOp(t *testing.T) {
	peers, _, repo := newPeerFixture(t)

	// Must not panic or create anything.
	peers.CloseLink("ghost")
	assert.Equal(t, 0, repo.Count())
}

func TestPeerCloseLinkRemoves(t *testing.T) {
	peers, _, repo := newPeerFixture(t)

	link, err := peers.CreateLink(context.Background(), "p1", false)
	require.NoError(t, err)

	peers.CloseLink("p1")

	assert.Equal(t, 0, repo.Count())
	assert.Equal(t, domain.LinkClosed, link.State())

	// Closing twice stays a no-op.
	peers.CloseLink("p1")
}

func TestPeerHandleAnswerUnknownLink(t *testing.T) {
	peers, _, _ := newPeerFixture(t)

	assert.NoError(t, peers.HandleAnswer(context.Background(), "ghost", "v=0"))
	assert.NoError(t, peers.HandleCandidate(context.Background(), "ghost", webrtc.ICECandidateInit{}))
}

func TestPeerCandidateBufferedBeforeRemoteDescription(t *testing.T) {
	peers, _, repo := newPeerFixture(t)

	_, err := peers.CreateLink(context.Background(), "p1", false)
	require.NoError(t, err)

	require.NoError(t, peers.HandleCandidate(context.Background(), "p1", webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}))

	link, ok := repo.Get("p1")
	require.True(t, ok)
	assert.Len(t, link.DrainCandidates(), 1)
}

func TestYieldsOnGlare(t *testing.T) {
	// The lexicographically smaller id rolls back its own offer; both
	// sides must reach opposite conclusions.
	assert.True(t, yieldsOnGlare("aaa", "bbb"))
	assert.False(t, yieldsOnGlare("bbb", "aaa"))
	assert.False(t, yieldsOnGlare("bbb", "bbb"))
}

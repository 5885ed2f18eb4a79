package memory

import (
	"sync"

	"github.com/conclave-chat/conclave/internal/domain"
)

// PeerLinkRepository tracks open peer links keyed by participant id.
type PeerLinkRepository interface {
	Add(participantID string, link *domain.PeerLink)
	Get(participantID string) (*domain.PeerLink, bool)
	Remove(participantID string)

	All() []*domain.PeerLink
	Count() int
}

type peerLinkRepository struct {
	// links stores map[participant_id]*domain.PeerLink
	links map[string]*domain.PeerLink

	mu sync.RWMutex
}

func NewPeerLinkRepository() PeerLinkRepository {
	return &peerLinkRepository{
		links: make(map[string]*domain.PeerLink, 10),
	}
}

func (r *peerLinkRepository) Add(participantID string, link *domain.PeerLink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.links[participantID] = link
}

func (r *peerLinkRepository) Get(participantID string) (*domain.PeerLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[participantID]

	return link, ok
}

func (r *peerLinkRepository) Remove(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.links, participantID)
}

func (r *peerLinkRepository) All() []*domain.PeerLink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	links := make([]*domain.PeerLink, 0, len(r.links))
	for _, link := range r.links {
		links = append(links, link)
	}

	return links
}

func (r *peerLinkRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.links)
}

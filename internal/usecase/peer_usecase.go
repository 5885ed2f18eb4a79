package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/conclave-chat/conclave/internal/application/config"
	"github.com/conclave-chat/conclave/internal/application/constant"
	"github.com/conclave-chat/conclave/internal/application/metric"
	"github.com/conclave-chat/conclave/internal/domain"
	"github.com/conclave-chat/conclave/internal/domain/events"
	"github.com/conclave-chat/conclave/internal/infra/adapters/memory"
	"github.com/conclave-chat/conclave/internal/infra/adapters/signaling"
)

// PeerUsecase owns one media link per active remote participant and runs
// offer/answer/candidate exchange through the signaling transport.
type PeerUsecase interface {
	// Bind installs the server-assigned local participant id and the local
	// outbound tracks. Must be called once the join succeeds, before links
	// are created.
	Bind(localID string, tracks []webrtc.TrackLocal)

	// CreateLink is idempotent: an existing link for the participant is
	// returned rather than duplicated.
	CreateLink(ctx context.Context, participantID string, initiate bool) (*domain.PeerLink, error)

	// CloseLink is a no-op for unknown or already-closed links.
	CloseLink(participantID string)
	CloseAll()

	HandleOffer(ctx context.Context, from, sdp string) error
	HandleAnswer(ctx context.Context, from, sdp string) error
	HandleCandidate(ctx context.Context, from string, candidate webrtc.ICECandidateInit) error
}

type peerUsecase struct {
	cfg *config.Config
	api *webrtc.API

	linkRepo  memory.PeerLinkRepository
	transport signaling.Transport

	// onDegraded fires when a link fails terminally or never connects
	// within the timeout. The participant stays in the roster.
	onDegraded func(participantID string)

	// createMu makes lookup-and-insert in CreateLink one critical
	// section. The session loop and the transport read pump both reach
	// it; without the lock two concurrent calls for the same participant
	// would each build a connection and one would leak.
	createMu sync.Mutex

	mu          sync.Mutex
	localID     string
	localTracks []webrtc.TrackLocal
	timers      map[string]*time.Timer
}

func NewPeerUsecase(
	cfg *config.Config,
	api *webrtc.API,
	linkRepo memory.PeerLinkRepository,
	transport signaling.Transport,
	onDegraded func(participantID string),
) PeerUsecase {
	return &peerUsecase{
		cfg:        cfg,
		api:        api,
		linkRepo:   linkRepo,
		transport:  transport,
		onDegraded: onDegraded,
		timers:     make(map[string]*time.Timer),
	}
}

func (u *peerUsecase) Bind(localID string, tracks []webrtc.TrackLocal) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.localID = localID
	u.localTracks = tracks
}

func (u *peerUsecase) CreateLink(ctx context.Context, participantID string, initiate bool) (*domain.PeerLink, error) {
	u.createMu.Lock()
	defer u.createMu.Unlock()

	if link, ok := u.linkRepo.Get(participantID); ok {
		return link, nil
	}

	pc, err := u.api.NewPeerConnection(webrtc.Configuration{ICEServers: u.cfg.ICEServers()})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	link := domain.NewPeerLink(participantID, pc, initiate)

	u.mu.Lock()
	tracks := u.localTracks
	u.mu.Unlock()

	for _, track := range tracks {
		if _, err = pc.AddTrack(track); err != nil {
			slog.Warn("add local track", slog.Any(constant.Error, err))
		}
	}

	if len(tracks) == 0 {
		// Recvonly transceivers keep the SDP valid without local media.
		addRecvOnlyTransceivers(pc)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
					pkt, _, err := track.ReadRTP()
					if err != nil {
						if !errors.Is(err, io.EOF) {
							slog.Debug("RTP read error", slog.Any(constant.Error, err))
						}

						return
					}

					link.RecordRTP(pkt)
				}
			}
		}()
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}

		err := u.transport.SendTo(events.TypeCandidate, participantID, events.CandidateEvent{Candidate: c.ToJSON()})
		if err != nil {
			slog.Warn("send ice candidate", slog.Any(constant.Error, err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			link.SetState(domain.LinkConnecting)
		case webrtc.PeerConnectionStateConnected:
			link.SetState(domain.LinkConnected)
			u.stopTimer(participantID)
		case webrtc.PeerConnectionStateFailed:
			link.SetState(domain.LinkFailed)
			u.degrade(participantID)
		default:
		}
	})

	u.linkRepo.Add(participantID, link)
	metric.SetActivePeerLinks(u.linkRepo.Count())

	u.armConnectTimeout(participantID, link)

	if initiate {
		if err := u.sendOffer(link); err != nil {
			u.CloseLink(participantID)
			return nil, err
		}
	}

	return link, nil
}

// armConnectTimeout closes and degrades a link that never reaches
// connected within the configured bound.
func (u *peerUsecase) armConnectTimeout(participantID string, link *domain.PeerLink) {
	timer := time.AfterFunc(u.cfg.PeerConnectTimeout, func() {
		if link.State() == domain.LinkConnected {
			return
		}

		slog.Warn(
			"peer link connect timeout",
			slog.String(constant.ParticipantID, participantID),
		)

		u.degrade(participantID)
	})

	u.mu.Lock()
	defer u.mu.Unlock()

	u.timers[participantID] = timer
}

func (u *peerUsecase) stopTimer(participantID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if timer, ok := u.timers[participantID]; ok {
		timer.Stop()
		delete(u.timers, participantID)
	}
}

func (u *peerUsecase) degrade(participantID string) {
	u.CloseLink(participantID)

	if u.onDegraded != nil {
		u.onDegraded(participantID)
	}
}

func (u *peerUsecase) sendOffer(link *domain.PeerLink) error {
	offer, err := link.Conn.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	if err = link.Conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	err = u.transport.SendTo(events.TypeOffer, link.ParticipantID, events.SdpEvent{SDP: offer.SDP})
	if err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	return nil
}

func (u *peerUsecase) HandleOffer(ctx context.Context, from, sdp string) error {
	link, ok := u.linkRepo.Get(from)
	if !ok {
		// Offer from a participant we have no link for yet: they initiated.
		var err error

		link, err = u.CreateLink(ctx, from, false)
		if err != nil {
			return fmt.Errorf("create link for offer: %w", err)
		}
	}

	if link.Initiator && link.Conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Glare: both sides sent offers. The lexicographically smaller id
		// yields; the other side discards the incoming offer and waits for
		// an answer to its own.
		u.mu.Lock()
		localID := u.localID
		u.mu.Unlock()

		if !yieldsOnGlare(localID, from) {
			slog.Info("offer glare, holding local offer", slog.String(constant.ParticipantID, from))
			return nil
		}

		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := link.Conn.SetLocalDescription(rollback); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
	}

	err := link.Conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	u.flushCandidates(link)

	answer, err := link.Conn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}

	if err = link.Conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if err = u.transport.SendTo(events.TypeAnswer, from, events.SdpEvent{SDP: answer.SDP}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	return nil
}

func (u *peerUsecase) HandleAnswer(_ context.Context, from, sdp string) error {
	link, ok := u.linkRepo.Get(from)
	if !ok {
		slog.Warn("answer for unknown peer link", slog.String(constant.ParticipantID, from))
		return nil
	}

	err := link.Conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	u.flushCandidates(link)

	return nil
}

func (u *peerUsecase) HandleCandidate(_ context.Context, from string, candidate webrtc.ICECandidateInit) error {
	link, ok := u.linkRepo.Get(from)
	if !ok {
		slog.Warn("candidate for unknown peer link", slog.String(constant.ParticipantID, from))
		return nil
	}

	// Candidates may trickle in before the remote description; buffer
	// them until it lands.
	if link.Conn.RemoteDescription() == nil {
		link.BufferCandidate(candidate)
		return nil
	}

	if err := link.Conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}

	return nil
}

func (u *peerUsecase) flushCandidates(link *domain.PeerLink) {
	for _, c := range link.DrainCandidates() {
		if err := link.Conn.AddICECandidate(c); err != nil {
			slog.Warn("flush buffered candidate", slog.Any(constant.Error, err))
		}
	}
}

func (u *peerUsecase) CloseLink(participantID string) {
	u.stopTimer(participantID)

	link, ok := u.linkRepo.Get(participantID)
	if !ok {
		return
	}

	link.SetState(domain.LinkClosed)

	if err := link.Conn.Close(); err != nil {
		slog.Warn("close peer connection", slog.Any(constant.Error, err))
	}

	u.linkRepo.Remove(participantID)
	metric.SetActivePeerLinks(u.linkRepo.Count())
}

func (u *peerUsecase) CloseAll() {
	for _, link := range u.linkRepo.All() {
		u.CloseLink(link.ParticipantID)
	}
}

// yieldsOnGlare decides which side abandons its offer when both initiate
// simultaneously.
func yieldsOnGlare(localID, remoteID string) bool {
	return localID < remoteID
}

func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
		slog.Warn("add video transceiver", slog.Any(constant.Error, err))
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init); err != nil {
		slog.Warn("add audio transceiver", slog.Any(constant.Error, err))
	}
}

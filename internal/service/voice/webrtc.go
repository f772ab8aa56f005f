package voice

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MicrophoneSource feeds the outbound audio track until ctx is done.
type MicrophoneSource interface {
	Capture(ctx context.Context, track *webrtc.TrackLocalStaticSample) error
}

// SilenceSource sends silent frames. It keeps the audio m-line alive when
// the host has no capture device.
type SilenceSource struct{}

func (SilenceSource) Capture(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frame}); err != nil {
				return err
			}
		}
	}
}

// PionFactory creates peers backed by pion/webrtc.
type PionFactory struct {
	Config     webrtc.Configuration
	Microphone MicrophoneSource
}

func (f PionFactory) NewPeer(_ context.Context) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	mic := f.Microphone
	if mic == nil {
		mic = SilenceSource{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pionPeer{
		pc:     pc,
		mic:    mic,
		ctx:    ctx,
		cancel: cancel,
		logger: logging.Component("webrtc"),
	}

	// remote audio is not played back; reading keeps the receive buffers moving
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Debug().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug().Str("state", state.String()).Msg("peer connection state")
	})
	return p, nil
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	mic    MicrophoneSource
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

func (p *pionPeer) AttachMicrophone() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "assistant-mic",
	)
	if err != nil {
		return errors.Wrap(err, "new audio track")
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return errors.Wrap(err, "add audio track")
	}

	go func() {
		rtcp := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcp); err != nil {
				return
			}
		}
	}()
	go func() {
		if err := p.mic.Capture(p.ctx, track); err != nil && p.ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("microphone capture stopped")
		}
	}()
	return nil
}

func (p *pionPeer) OpenChannel(label string, h ChannelHandlers) (Channel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create data channel %s", label)
	}
	if h.OnOpen != nil {
		dc.OnOpen(h.OnOpen)
	}
	if h.OnMessage != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.OnMessage(msg.Data)
		})
	}
	if h.OnClose != nil {
		dc.OnClose(h.OnClose)
	}
	return pionChannel{dc: dc}, nil
}

// CreateOffer waits for ICE gathering so the offer carries every candidate.
func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create offer")
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(err, "set local description")
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *pionPeer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *pionPeer) Close() error {
	p.cancel()
	return p.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c pionChannel) Send(data []byte) error {
	return c.dc.SendText(string(data))
}

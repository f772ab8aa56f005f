package voice

import "context"

// EventsChannelLabel is the data channel carrying realtime JSON events.
const EventsChannelLabel = "oai-events"

// TokenSource issues short-lived realtime credentials.
type TokenSource interface {
	EphemeralToken(ctx context.Context) (string, error)
}

// Signaler trades a local SDP offer for the remote answer.
type Signaler interface {
	Exchange(ctx context.Context, token, offerSDP string) (string, error)
}

// ChannelHandlers are invoked from the transport's own goroutines.
type ChannelHandlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func()
}

// Channel is the outbound half of a data channel.
type Channel interface {
	Send(data []byte) error
}

// Peer is one WebRTC peer connection.
type Peer interface {
	AttachMicrophone() error
	OpenChannel(label string, handlers ChannelHandlers) (Channel, error)
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	Close() error
}

// PeerFactory creates peers.
type PeerFactory interface {
	NewPeer(ctx context.Context) (Peer, error)
}

package transport

import (
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the pose channel. The sender creates it;
// the receiver accepts it through OnDataChannel.
const DataChannelLabel = "data-channel"

// newPeerConnection creates a PeerConnection that gathers candidates through
// the given ICE server URLs. An empty list means host candidates only.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: iceServers},
		}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the ordered, zero-retransmit pose channel. Frames
// arrive in order or not at all, so a late frame never blocks a newer one.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	maxRetransmits := uint16(0)

	return pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
}

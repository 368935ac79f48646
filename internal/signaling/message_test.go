package signaling

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/posecast/internal/config"
)

func TestParseKinds(t *testing.T) {
	testCases := []struct {
		name       string
		raw        string
		kind       Kind
		identifier int
		identity   int
	}{
		{"identity", `{"identifiedas":0}`, KindIdentity, 0, 0},
		{"identity with role", `{"identifiedas":1,"role":"receiver"}`, KindIdentity, 0, 1},
		{"offer", `{"identifier":2,"sdpoffer":"X"}`, KindOffer, 2, 0},
		{"offer object", `{"identifier":4,"sdpoffer":{"type":"offer","sdp":"v=0"}}`, KindOffer, 4, 0},
		{"answer", `{"identifier":3,"sdpresponse":{"type":"answer","sdp":"v=0"}}`, KindAnswer, 3, 0},
		{"candidate", `{"identifier":5,"icecandidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}`, KindCandidate, 5, 0},
		{"null candidate", `{"identifier":5,"icecandidate":null}`, KindCandidate, 5, 0},
		{"peer left", `{"peerleft":7}`, KindPeerLeft, 0, 7},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if msg.Kind != tc.kind {
				t.Errorf("Kind = %s, want %s", msg.Kind, tc.kind)
			}
			if msg.Identifier != tc.identifier {
				t.Errorf("Identifier = %d, want %d", msg.Identifier, tc.identifier)
			}
			if msg.Identity != tc.identity {
				t.Errorf("Identity = %d, want %d", msg.Identity, tc.identity)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"array", `[1,2]`},
		{"empty object", `{}`},
		{"identifier only", `{"identifier":2}`},
		{"offer without identifier", `{"sdpoffer":"X"}`},
		{"null offer", `{"identifier":2,"sdpoffer":null}`},
		{"two kinds", `{"identifier":2,"sdpoffer":"X","icecandidate":null}`},
		{"string identifier", `{"identifier":"2","sdpoffer":"X"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("err = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

// TestParseKeepsPayloadVerbatim makes sure the payload bytes are not
// re-encoded.
func TestParseKeepsPayloadVerbatim(t *testing.T) {
	raw := `{"identifier":2,"sdpoffer":{"sdp":"v=0\r\n",  "type":"offer"}}`
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := `{"sdp":"v=0\r\n",  "type":"offer"}`
	if string(msg.Payload) != want {
		t.Fatalf("Payload = %s, want %s", msg.Payload, want)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	offer, err := Offer(2, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	mid := "0"
	cand, err := Candidate(3, &webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid})
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	end, err := Candidate(3, nil)
	if err != nil {
		t.Fatalf("Candidate(nil): %v", err)
	}

	testCases := []struct {
		name string
		msg  Message
	}{
		{"identity", IdentityAssignment(1, config.RoleReceiver)},
		{"peer left", PeerLeftNotice(4)},
		{"offer", offer},
		{"candidate", cand},
		{"end of candidates", end},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.msg.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse(%s): %v", data, err)
			}
			if got.Kind != tc.msg.Kind || got.Identity != tc.msg.Identity ||
				got.Identifier != tc.msg.Identifier || got.Role != tc.msg.Role {
				t.Fatalf("got %+v, want %+v", got, tc.msg)
			}
		})
	}
}

func TestSessionDescription(t *testing.T) {
	msg, err := Parse([]byte(`{"identifier":2,"sdpresponse":{"type":"answer","sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sdp, err := msg.SessionDescription()
	if err != nil {
		t.Fatalf("SessionDescription: %v", err)
	}
	if sdp.Type != webrtc.SDPTypeAnswer || sdp.SDP != "v=0" {
		t.Fatalf("sdp = %+v", sdp)
	}

	if _, err := PeerLeftNotice(1).SessionDescription(); err == nil {
		t.Fatal("expected error for message without SDP")
	}
}

func TestICECandidate(t *testing.T) {
	msg, err := Parse([]byte(`{"identifier":2,"icecandidate":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := msg.ICECandidate()
	if err != nil {
		t.Fatalf("ICECandidate: %v", err)
	}
	if c == nil || c.Candidate != "candidate:1" || c.SDPMid == nil || *c.SDPMid != "0" {
		t.Fatalf("candidate = %+v", c)
	}

	end, err := Parse([]byte(`{"identifier":2,"icecandidate":null}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err = end.ICECandidate()
	if err != nil || c != nil {
		t.Fatalf("end of candidates = (%v, %v), want (nil, nil)", c, err)
	}
}

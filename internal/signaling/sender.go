package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/posecast/internal/config"
	"github.com/1ureka/posecast/internal/transport"
	"github.com/1ureka/posecast/internal/util"
)

// Link is an established sender-side peer channel together with the relay
// connection that negotiated it. The relay connection stays open so late
// candidates keep flowing and the relay knows the sender is still present.
type Link struct {
	Transport *transport.Transport

	client *Client
	errCh  chan error
}

// Identity returns the sender's relay identity.
func (l *Link) Identity() int { return l.client.Identity() }

// Err returns a channel that yields the watch loop's terminal error.
func (l *Link) Err() <-chan error { return l.errCh }

// Close tears down the peer channel and leaves the relay.
func (l *Link) Close() error {
	return errors.Join(l.Transport.Close(), l.client.Close())
}

// EstablishAsSender executes the full sender-side signaling flow:
//  1. Connect to the relay and receive an identity
//  2. Create an offering Transport (it owns the DataChannel)
//  3. Send the offer and trickle candidates, tagged with our identity
//  4. Apply the receiver's answer and candidates as they arrive
//  5. Return once the DataChannel is open
func EstablishAsSender(ctx context.Context, relayURL string, iceServers []string) (*Link, error) {
	// 1. Connect to relay.
	client, err := Dial(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	if err := client.requireRole(config.RoleSender); err != nil {
		client.Close()
		return nil, err
	}
	id := client.Identity()
	util.LogInfo("[signaling] Connected to relay as sender %d", id)

	// 2. Create Transport.
	tr, err := transport.NewOfferer(ctx, iceServers)
	if err != nil {
		client.Close()
		return nil, err
	}

	link := &Link{Transport: tr, client: client, errCh: make(chan error, 1)}

	// 3. Trickle local candidates through the relay.
	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		msg, err := Candidate(id, &init)
		if err != nil {
			return
		}
		// Best-effort; a lost candidate only narrows the path options.
		if err := client.Send(msg); err != nil {
			util.LogDebug("[signaling] failed to send candidate: %v", err)
		}
	})

	// 4. Apply the answer and remote candidates in the background.
	go func() {
		link.errCh <- watchAsSender(client, tr)
	}()

	offer, err := tr.CreateOffer()
	if err != nil {
		link.Close()
		return nil, err
	}
	msg, err := Offer(id, offer)
	if err != nil {
		link.Close()
		return nil, err
	}
	if err := client.Send(msg); err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	// 5. Wait for result.
	select {
	case <-tr.Ready():
		util.LogSuccess("[signaling] Data channel to receiver established")
		return link, nil

	case err := <-link.errCh:
		link.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}
}

// watchAsSender applies the receiver's answer and candidates until the relay
// connection ends.
func watchAsSender(client *Client, tr *transport.Transport) error {
	for {
		msg, err := client.Next()
		if errors.Is(err, ErrMalformedMessage) {
			util.LogDebug("[signaling] ignoring message: %v", err)
			continue
		}
		if err != nil {
			return err
		}

		switch msg.Kind {
		case KindAnswer:
			sdp, err := msg.SessionDescription()
			if err != nil {
				return err
			}
			if err := tr.SetRemoteDescription(sdp); err != nil {
				return err
			}

		case KindCandidate:
			c, err := msg.ICECandidate()
			if err != nil {
				util.LogDebug("[signaling] bad candidate: %v", err)
				continue
			}
			if c == nil {
				continue
			}
			if err := tr.AddICECandidate(*c); err != nil {
				util.LogDebug("[signaling] could not add candidate: %v", err)
			}

		default:
			util.LogDebug("[signaling] sender ignoring %s message", msg.Kind)
		}
	}
}

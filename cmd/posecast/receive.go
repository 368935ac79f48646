package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/posecast/internal/config"
	"github.com/1ureka/posecast/internal/signaling"
	"github.com/1ureka/posecast/internal/stream"
	"github.com/1ureka/posecast/internal/transport"
	"github.com/1ureka/posecast/internal/util"
)

func receiveCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Collect poses from every sender",
		Long: `Connect to the relay as the receiver, answer every sender's offer and
log the frames arriving on each DataChannel.

The relay must hand this connection the receiver role (identity 1 under the
fixed policy).

Examples:
  posecast receive
  posecast receive --relay-url=ws://10.0.0.2:3000/ws --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := receiveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runReceive(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("relay-url", "", "Relay WebSocket URL")

	return cmd
}

// receiveConfig loads the configuration, applies the receive flags and
// validates the result.
func receiveConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("relay-url") {
		raw, err := cmd.Flags().GetString("relay-url")
		if err != nil {
			return nil, err
		}
		u, err := normalizeWSURL(raw, cfg.Relay.WSPath)
		if err != nil {
			return nil, err
		}
		cfg.Node.RelayURL = u
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runReceive(ctx context.Context, cfg *config.Config) error {
	renderer := stream.NewLogRenderer(cfg.Node.FaceDims)

	rx, err := signaling.ListenAsReceiver(ctx, cfg.Node.RelayURL, cfg.Node.ICEServers,
		func(id int, tr *transport.Transport) {
			util.LogInfo("Sender %d is negotiating", id)
			tr.OnChunk(stream.Receive(id, renderer))
			go func() {
				select {
				case <-tr.Ready():
					util.LogSuccess("Data channel from sender %d open", id)
				case <-tr.Done():
				}
			}()
		})
	if err != nil {
		return err
	}
	defer rx.Close()

	util.StartStatsReporter(ctx)
	go renderer.Run(ctx, 5*time.Second)

	util.LogSuccess("Waiting for senders as receiver %d", rx.Identity())
	if err := rx.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

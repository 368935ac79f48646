package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/posecast/internal/config"
	"github.com/1ureka/posecast/internal/signaling"
	"github.com/1ureka/posecast/internal/stream"
	"github.com/1ureka/posecast/internal/util"
)

func sendCmd(opts *globalOptions) *cobra.Command {
	var (
		relayURL string
		interval time.Duration
		replay   string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Stream poses to the receiver",
		Long: `Connect to the relay as a sender, negotiate a DataChannel with the
receiver and stream one pose and face frame per interval.

Frames come from a synthetic waving figure unless --replay names a JSON
lines recording of {"pose": ..., "face": ...} objects.

Examples:
  posecast send
  posecast send --relay-url=ws://10.0.0.2:3000/ws --interval=50ms
  posecast send --replay=session.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("relay-url") {
				u, err := normalizeWSURL(relayURL, cfg.Relay.WSPath)
				if err != nil {
					return err
				}
				cfg.Node.RelayURL = u
			}
			if flags.Changed("interval") {
				cfg.Node.FrameInterval = interval
			}
			if flags.Changed("replay") {
				cfg.Node.ReplayFile = replay
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runSend(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay-url", "", "Relay WebSocket URL")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between frames")
	cmd.Flags().StringVar(&replay, "replay", "", "JSON lines recording to stream instead of the synthetic figure")

	return cmd
}

func runSend(ctx context.Context, cfg *config.Config) error {
	var est stream.Estimator
	if cfg.Node.ReplayFile != "" {
		replay, err := stream.LoadReplay(cfg.Node.ReplayFile)
		if err != nil {
			return err
		}
		util.LogInfo("Replaying %d frames from %s", replay.Len(), cfg.Node.ReplayFile)
		est = replay
	} else {
		est = stream.NewSyntheticEstimator(cfg.Node.FaceDims, stream.DefaultFaceLandmarks)
	}

	link, err := signaling.EstablishAsSender(ctx, cfg.Node.RelayURL, cfg.Node.ICEServers)
	if err != nil {
		return fmt.Errorf("failed to reach the receiver: %w", err)
	}
	defer link.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("Streaming as sender %d every %v", link.Identity(), cfg.Node.FrameInterval)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- stream.RunSender(loopCtx, est, link.Transport, cfg.Node.FrameInterval)
	}()

	select {
	case err := <-errCh:
		return err
	case <-link.Transport.Done():
		cancel()
		<-errCh
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("data channel to receiver closed")
	case err := <-link.Err():
		cancel()
		<-errCh
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("lost relay connection: %w", err)
	}
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/1ureka/posecast/internal/config"
	"github.com/1ureka/posecast/internal/metrics"
	"github.com/1ureka/posecast/internal/relay"
)

func relayCmd(opts *globalOptions) *cobra.Command {
	var (
		addr          string
		staticDir     string
		policy        string
		firstIdentity int
		notify        bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay",
		Long: `Run the WebSocket signaling relay.

Every connection receives an identity. Identity 1 becomes the receiver and
all others are senders; the relay forwards offers, answers and candidates
between them and serves the node pages, /metrics and /healthz.

Examples:
  posecast relay
  posecast relay --addr=:8080 --static-dir=./web
  posecast relay --policy=reelect --notify-departures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Relay.Address = addr
			}
			if flags.Changed("static-dir") {
				cfg.Relay.StaticDir = staticDir
			}
			if flags.Changed("policy") {
				cfg.Relay.ReceiverPolicy = config.ReceiverPolicy(policy)
			}
			if flags.Changed("first-identity") {
				cfg.Relay.FirstIdentity = firstIdentity
			}
			if flags.Changed("notify-departures") {
				cfg.Relay.NotifyDepartures = notify
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runRelay(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :3000)")
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "Directory holding receiver/ and sender/ pages")
	cmd.Flags().StringVar(&policy, "policy", "", "Receiver slot policy: fixed or reelect")
	cmd.Flags().IntVar(&firstIdentity, "first-identity", 0, "Identity given to the first connection (0 or 1)")
	cmd.Flags().BoolVar(&notify, "notify-departures", false, "Tell the receiver when a sender leaves")

	return cmd
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	srv := relay.NewServer(cfg.Relay, metrics.NewPrometheusCollector())
	return srv.ListenAndServe(ctx)
}

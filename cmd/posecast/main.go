// Posecast CLI entry point.
//
// One binary runs every part of a pose streaming session: the signaling
// relay, sender nodes that stream pose and face frames over a WebRTC
// DataChannel, and the receiver node that reassembles them.
//
// It can be launched interactively (no subcommand) or non-interactively via
// the relay, send and receive subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/posecast/internal/config"
	"github.com/1ureka/posecast/internal/util"
)

var version = "dev"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	debug      bool
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "posecast",
		Short: "Stream body pose and face landmarks between peers over WebRTC",
		Long: `Posecast relays signaling between pose senders and a single receiver,
then streams compact binary pose frames over a peer-to-peer DataChannel.

Run without a subcommand for interactive mode.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runInteractive(cmd.Context(), cfg)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		relayCmd(opts),
		sendCmd(opts),
		receiveCmd(opts),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration and applies the logging settings.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := util.SetLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	if opts.debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Posecast — v%s", version))
	pterm.Println()
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("posecast %s\n", version)
		},
	}
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive asks which part to run when no subcommand is given.
func runInteractive(ctx context.Context, cfg *config.Config) error {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Relay    — Run the signaling relay",
			"Sender   — Stream poses to the receiver",
			"Receiver — Collect poses from every sender",
		}).
		WithDefaultText("Select what to run").
		Show()

	pterm.Println()

	if !strings.HasPrefix(choice, "Relay") {
		cfg.Node.RelayURL = askURL(cfg.Node.RelayURL, cfg.Relay.WSPath)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(choice, "Relay"):
		return runRelay(ctx, cfg)
	case strings.HasPrefix(choice, "Sender"):
		return runSend(ctx, cfg)
	default:
		return runReceive(ctx, cfg)
	}
}

// askURL prompts for the relay URL until a valid one is entered. An empty
// answer keeps the configured URL.
func askURL(current, wsPath string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Relay URL (empty for %s)", current)).
			Show()

		if strings.TrimSpace(raw) == "" {
			pterm.Println()
			return current
		}

		wsURL, err := normalizeWSURL(raw, wsPath)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

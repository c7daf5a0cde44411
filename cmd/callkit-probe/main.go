// callkit-probe is a synthetic call participant for poking at a running
// relay: it joins a room, places or answers a call with a silent audio
// track, and reports the session lifecycle on stderr. Point two probes at
// the same room to exercise a deployment end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/taskflow/callkit/internal/call"
	"github.com/taskflow/callkit/internal/negotiator"
	"github.com/taskflow/callkit/internal/roomclient"
)

var (
	flagRelayURL      string
	flagRoom          string
	flagIdentity      string
	flagAPIKey        string
	flagToken         string
	flagSTUN          string
	flagAnswerTimeout time.Duration
	flagVerbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "callkit-probe",
	Short: "Synthetic call participant for testing a signaling relay",
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and run one call with a silent audio track",
	Long: `Join a room on the relay and run one call to completion.

The probe that joins first places the call when a partner arrives; a probe
joining an occupied room answers. Either way it streams silence and prints
state changes until the call ends or the process is interrupted.

Examples:
  callkit-probe join --room smoke-test --identity probe-1
  callkit-probe join --relay-url wss://relay.example.com/signaling --room smoke-test --api-key $KEY`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context())
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagRelayURL, "relay-url", "ws://127.0.0.1:8080/signaling", "relay websocket endpoint")
	joinCmd.Flags().StringVar(&flagRoom, "room", "probe", "room to join")
	joinCmd.Flags().StringVar(&flagIdentity, "identity", "probe", "display identity")
	joinCmd.Flags().StringVar(&flagAPIKey, "api-key", "", "relay API key (AUTH_MODE=api_key)")
	joinCmd.Flags().StringVar(&flagToken, "token", "", "relay JWT (AUTH_MODE=jwt)")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "stun:stun.l.google.com:19302", "STUN server, empty to disable")
	joinCmd.Flags().DurationVar(&flagAnswerTimeout, "answer-timeout", 30*time.Second, "how long a placed call rings")
	joinCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
	rootCmd.AddCommand(joinCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runJoin(ctx context.Context) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	client, err := roomclient.Dial(ctx, flagRelayURL, roomclient.Options{
		APIKey: flagAPIKey,
		Token:  flagToken,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var iceServers []webrtc.ICEServer
	if flagSTUN != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{flagSTUN}})
	}
	newEngine := func() (negotiator.Engine, error) {
		return negotiator.NewPionEngine(webrtc.Configuration{ICEServers: iceServers}, logger)
	}

	ctrl := call.New(client, silenceCapture{}, newEngine, call.Options{
		Room:          flagRoom,
		Identity:      flagIdentity,
		AnswerTimeout: flagAnswerTimeout,
		Logger:        logger,
	})

	go func() {
		for tr := range ctrl.Transitions() {
			fmt.Fprintf(os.Stderr, "call: %s -> %s (%s)\n", tr.From, tr.To, tr.Reason)
		}
	}()
	go func() {
		for t := range ctrl.RemoteTracks() {
			logger.Info("remote track", "id", t.ID(), "kind", t.Kind())
		}
	}()

	logger.Info("joining room", "relay", flagRelayURL, "room", flagRoom, "identity", flagIdentity)
	return ctrl.Run(ctx)
}

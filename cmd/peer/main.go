// Command peer is a headless call participant: it creates or joins a room,
// negotiates with every other member over Pion and publishes silence.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/callroom/internal/adapters/client"
	"github.com/dkeye/callroom/internal/adapters/rtc"
	"github.com/dkeye/callroom/internal/config"
	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/dkeye/callroom/internal/negotiation"
)

var (
	flagServer      string
	flagRoom        string
	flagPassword    string
	flagName        string
	flagCreate      bool
	flagScreenAfter time.Duration
	flagScreenFor   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "callroom-peer",
	Short: "Headless participant for a callroom server",
	Long: `Joins a callroom room as a WebRTC participant without a browser.

Examples:
  callroom-peer --create --name bot
  callroom-peer --room AB3F9 --password secret
  callroom-peer --room AB3F9 --screen-after 5s --screen-for 10s`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !flagCreate && flagRoom == "" {
			return errors.New("either --create or --room is required")
		}
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
		if cmd.Flags().Changed("server") {
			cfg.Peer.ServerURL = flagServer
		}
		return run(cmd.Context(), cfg.Peer)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagServer, "server", "", "signaling websocket url (default from config)")
	f.StringVar(&flagRoom, "room", "", "room id to join")
	f.StringVar(&flagPassword, "password", "", "room password")
	f.StringVar(&flagName, "name", "", "display name")
	f.BoolVar(&flagCreate, "create", false, "create a new room instead of joining")
	f.DurationVar(&flagScreenAfter, "screen-after", 0, "start a screen share after this delay (0 disables)")
	f.DurationVar(&flagScreenFor, "screen-for", 0, "stop the screen share after this long (0 keeps it)")
	f.String("log-level", "info", "log level")
}

func run(ctx context.Context, pc config.PeerConfig) error {
	iceCfg := rtc.ICEConfig(pc.ICEServers, pc.TURNURLs, pc.TURNUsername, pc.TURNCredential)
	factory := func(peerID string) (negotiation.PeerConnection, error) {
		conn, err := rtc.NewWebRTCConnection(ctx, iceCfg, peerID)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	opts := negotiation.DefaultOptions()
	opts.BatchCandidates = pc.BatchCandidates
	if pc.BatchWindow > 0 {
		opts.BatchWindow = pc.BatchWindow
	}
	opts.MaxICERestarts = pc.MaxICERestarts
	opts.OnStateChange = func(peer string, st negotiation.State) {
		log.Info().Str("module", "peer").Str("peer", peer).Str("state", st.String()).Msg("negotiation state")
	}

	c, err := client.Dial(ctx, client.Options{
		URL:         pc.ServerURL,
		DisplayName: flagName,
		Negotiation: opts,
		OnEvent:     logEvent,
	}, factory)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	audio, err := rtc.NewSilentAudioTrack("audio", "callroom-"+c.ID())
	if err != nil {
		return err
	}
	if err := c.PublishTrack(negotiation.TrackAudio, audio); err != nil {
		return err
	}
	go func() {
		if err := rtc.StreamSilence(ctx, audio); err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("silence writer stopped")
		}
	}()

	var roomID domain.RoomID
	if flagCreate {
		if roomID, err = c.CreateRoom(ctx, flagPassword); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
	} else {
		remotes, err := c.JoinRoom(ctx, domain.RoomID(flagRoom), flagPassword)
		if err != nil {
			return fmt.Errorf("join room %s: %w", flagRoom, err)
		}
		roomID = c.RoomID()
		for _, r := range remotes {
			log.Info().Str("module", "peer").Str("peer", r.ID).Str("name", r.Name).Msg("in room")
		}
		if err := c.Ready(); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stdout, "room %s, id %s\n", roomID, c.ID())

	if flagScreenAfter > 0 {
		go shareScreen(ctx, c)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}

func shareScreen(ctx context.Context, c *client.Client) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(flagScreenAfter):
	}
	track, err := rtc.NewScreenTrack("screen", "callroom-"+c.ID())
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("screen track")
		return
	}
	if err := c.StartScreenShare(track); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("start screen share")
		return
	}
	log.Info().Str("module", "peer").Msg("screen share started")
	if flagScreenFor <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(flagScreenFor):
		if err := c.StopScreenShare(); err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("stop screen share")
			return
		}
		log.Info().Str("module", "peer").Msg("screen share stopped")
	}
}

func logEvent(env core.Envelope) {
	switch env.Type {
	case core.EventChatMessage, core.EventEmojiReaction, core.EventRoomClosed:
		log.Info().Str("module", "peer").Str("type", env.Type).RawJSON("data", env.Data).Msg("event")
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("peer failed")
		os.Exit(1)
	}
}

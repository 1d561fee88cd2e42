package main

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dkeye/huddle/internal/adapters/rtc"
	"github.com/dkeye/huddle/internal/audio"
	"github.com/dkeye/huddle/internal/client"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/mesh"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/transcript"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "participant",
		Short: "Headless room participant: chat from stdin, audio from a local RTP feed",
		Long: `Joins a room on a Huddle hub and keeps one audio link per other participant.

Lines read from stdin:
  ~text   interim speech fragment (shown as a subtitle, promoted after a pause)
  !text   final speech result (promoted immediately)
  /mute   disable audio, /unmute to enable it again
  /mute <peer>, /unmute <peer>   stop or resume sending audio to one peer
  /leave  leave the room and exit
  text    typed chat message`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	setupFlags(rootCmd, v)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("hub", "http://localhost:8080", "Hub base URL")
	flags.String("room", "", "Room code to join")
	flags.String("user", "", "User id (random when empty)")
	flags.String("name", "", "Display name (defaults to the user id)")
	flags.String("rtp-listen", "", "UDP address of a local Opus RTP feed, e.g. 127.0.0.1:5004")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	for _, name := range []string{"hub", "room", "user", "name", "rtp-listen", "log-level"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(v.GetString("log-level")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	rawUser := v.GetString("user")
	if rawUser == "" {
		guest, err := domain.NewUser(cmp.Or(v.GetString("name"), "guest"))
		if err != nil {
			return fmt.Errorf("--name: %w", err)
		}
		rawUser = string(guest.ID)
	}
	user, err := domain.ParseUserID(rawUser)
	if err != nil {
		return fmt.Errorf("--user: %w", err)
	}
	room, err := domain.ParseRoomCode(v.GetString("room"))
	if err != nil {
		return fmt.Errorf("--room: %w", err)
	}
	hub := v.GetString("hub")

	hubCfg, err := client.FetchConfig(ctx, hub)
	if err != nil {
		return err
	}

	var device *audio.Device
	if addr := v.GetString("rtp-listen"); addr != "" {
		device = audio.NewDevice(audio.ListenUDP(addr))
	}
	factory := &rtc.Factory{Config: rtc.DefaultWebRTCConfig(hubCfg.ICEServers)}
	if device != nil {
		factory.Fanout = device.Fanout()
	}

	c := client.New(client.Options{
		BaseURL:     hub,
		RoomCode:    string(room),
		UserID:      user,
		DisplayName: v.GetString("name"),
		Transcript:  transcript.Config{Debounce: hubCfg.Transcript.Debounce, MinLength: hubCfg.Transcript.MinLength},
		Mesh:        mesh.Config{FailureWindow: hubCfg.Mesh.FailureWindow},
	}, factory, device, printEvent)

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		c.Leave()
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			if err := c.Err(); err != nil && !errors.Is(err, client.ErrClosed) {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(ctx, c, line); done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/leave":
		return true
	case line == "/mute":
		_ = c.SetAudio(ctx, false)
	case line == "/unmute":
		if err := c.SetAudio(ctx, true); err != nil {
			fmt.Fprintln(os.Stderr, "audio unavailable:", err)
		}
	case strings.HasPrefix(line, "/mute "), strings.HasPrefix(line, "/unmute "):
		cmd, peer, _ := strings.Cut(line, " ")
		if !c.MutePeer(domain.UserID(strings.TrimSpace(peer)), cmd == "/mute") {
			fmt.Fprintln(os.Stderr, "no audio going to", peer)
		}
	case line == "/links":
		for peer, state := range c.Mesh.Links() {
			fmt.Printf("  %s: %s\n", peer, state)
		}
	case strings.HasPrefix(line, "~"):
		c.Engine.Interim(line[1:])
	case strings.HasPrefix(line, "!"):
		c.Engine.Final(line[1:])
	default:
		if err := c.Chat(line); err != nil {
			fmt.Fprintln(os.Stderr, "chat not sent:", err)
		}
	}
	return false
}

func printEvent(ev client.Event) {
	ts := time.Now().Format("15:04:05")
	switch m := ev.Msg.(type) {
	case protocol.JoinedMsg:
		fmt.Printf("%s joined %s as %s\n", ts, m.RoomCode, m.UserID)
	case protocol.PresenceUpdateMsg:
		fmt.Printf("%s online: %s\n", ts, strings.Join(m.UserIDs, ", "))
	case protocol.ChatMessageMsg:
		fmt.Printf("%s <%s> %s\n", m.CreatedAt.Local().Format("15:04:05"), m.UserID, m.Content)
	case protocol.ChatHistoryMsg:
		for _, msg := range m.Messages {
			fmt.Printf("%s <%s> %s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.UserID, msg.Content)
		}
	case protocol.SubtitleMsg:
		if m.Text != "" {
			fmt.Printf("%s  %s: %s…\n", ts, m.UserID, m.Text)
		}
	case protocol.ErrorMsg:
		fmt.Fprintf(os.Stderr, "%s hub error: %s\n", ts, m.Error)
	case protocol.SessionReplacedMsg:
		fmt.Fprintf(os.Stderr, "%s this user joined from another connection\n", ts)
	case error:
		if ev.Type == "media_unavailable" {
			fmt.Fprintf(os.Stderr, "%s audio disabled: %v\n", ts, m)
		}
	}
}

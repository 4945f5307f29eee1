package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shiplive/native/internal/api"
	"shiplive/native/internal/call"
	"shiplive/native/internal/chat"
	"shiplive/native/internal/config"
	"shiplive/native/internal/conversation"
	"shiplive/native/internal/domain"
	sigclient "shiplive/native/internal/signal"
	"shiplive/native/internal/webrtc"
)

const helpText = `shiplive - chat and video calls between a customer and a shipper

Usage:
  shiplive [options]

Joins the room of one order, prints its chat log and reads commands
from stdin. Plain lines are sent as text messages.

Commands:
  /call            start a video call
  /accept          accept the incoming call
  /reject          reject the incoming call
  /hangup          end the current call
  /send <path>     upload an image or audio file
  /resend          retry messages that failed to send
  /quit            leave the room and exit

Environment (SHIPLIVE_ prefix, .env is loaded if present):
  SHIPLIVE_TOKEN, SHIPLIVE_ROLE, SHIPLIVE_ORDER, SHIPLIVE_GATEWAY_URL,
  SHIPLIVE_API_URL, SHIPLIVE_STUN_URLS, SHIPLIVE_LOG_LEVEL

Options:
`

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		fmt.Print(helpText + config.Usage())
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	apiClient := api.NewClient(cfg.APIURL, cfg.Token)

	channel := sigclient.NewClient(sigclient.Options{
		URL:          cfg.GatewayURL,
		Token:        cfg.Token,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		PingInterval: cfg.PingInterval,
	})
	defer channel.Close()

	media, err := webrtc.NewManager(webrtc.Config{STUNURLs: cfg.STUNURLs})
	if err != nil {
		log.Fatal().Err(err).Msg("create media manager")
	}

	convs := conversation.New(channel, apiClient, cfg.Sender())
	machine := call.New(channel, media, convs)
	// The machine records call_end through the service; the service hangs up through the machine.
	convs.SetCalls(machine)

	machineDone := make(chan struct{})
	go func() {
		machine.Run(ctx)
		close(machineDone)
	}()

	conv, err := convs.Open(ctx, cfg.Order)
	if err != nil {
		log.Fatal().Err(err).Msg("open conversation")
	}
	log.Info().Str("room", string(conv.Room())).Str("role", cfg.Role).Msg("joined")

	store := conv.Store()
	incoming := store.Subscribe()
	if hist, err := store.LoadHistory(ctx); err != nil {
		log.Error().Err(err).Msg("load history; showing live messages only")
	} else {
		log.Info().Int("messages", len(hist)).Msg("history loaded")
	}

	updates, stopUpdates := machine.Subscribe()
	defer stopUpdates()

	go render(ctx, os.Stdout, incoming, updates)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	r := &repl{ctx: ctx, room: conv.Room(), store: store, calls: machine, out: os.Stdout}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !r.exec(line) {
				break loop
			}
		}
	}

	log.Info().Msg("shutting down")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := conv.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("leave room")
	}
	store.Unsubscribe(incoming)

	cancel()
	<-machineDone
	log.Info().Msg("done")
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// repl executes one stdin line at a time.
type repl struct {
	ctx   context.Context
	room  domain.RoomID
	store *chat.Store
	calls *call.Machine
	out   io.Writer
}

// exec runs line and reports whether the session should continue.
func (r *repl) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := r.store.SendText(r.ctx, line); err != nil {
			fmt.Fprintf(r.out, "! not sent (/resend to retry): %v\n", err)
		}
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "/quit":
		return false
	case "/call":
		err = r.calls.Initiate(r.ctx, r.room)
	case "/accept":
		err = r.calls.Accept(r.ctx, r.room)
	case "/reject":
		err = r.calls.Reject(r.ctx, r.room)
	case "/hangup":
		err = r.calls.Hangup(r.ctx, r.room)
	case "/send":
		err = r.sendFile(strings.TrimSpace(arg))
	case "/resend":
		for _, m := range r.store.Failed() {
			if rerr := r.store.Resend(r.ctx, m.ID); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	default:
		err = fmt.Errorf("unknown command %s", cmd)
	}
	if err != nil {
		fmt.Fprintf(r.out, "! %v\n", err)
	}
	return true
}

func (r *repl) sendFile(path string) error {
	if path == "" {
		return errors.New("usage: /send <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = r.store.SendFile(r.ctx, filepath.Base(path), f)
	return err
}

func render(ctx context.Context, w io.Writer, msgs <-chan domain.ChatMessage, updates <-chan call.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			fmt.Fprintln(w, formatMessage(m))
		case u, ok := <-updates:
			if !ok {
				return
			}
			fmt.Fprintln(w, formatUpdate(u))
		}
	}
}

func formatMessage(m domain.ChatMessage) string {
	ts := m.CreatedAt.Local().Format("15:04")
	switch m.Type {
	case domain.MessageCallEnd:
		return fmt.Sprintf("[%s] %s: video call, %s", ts, m.Sender, m.Content)
	case domain.MessageImage, domain.MessageAudio:
		return fmt.Sprintf("[%s] %s: <%s> %s", ts, m.Sender, m.Type, m.FileURL)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, m.Sender, m.Content)
	}
}

func formatUpdate(u call.Update) string {
	s := fmt.Sprintf("* call %s", u.State)
	if u.State == domain.CallRinging && u.Role == domain.RoleCallee {
		s += " (/accept or /reject)"
	}
	if u.Duration > 0 {
		s += ", " + domain.FormatCallDuration(u.Duration)
	}
	if u.Notice != "" {
		s += ": " + u.Notice
	}
	return s
}

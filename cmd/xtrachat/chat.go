package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync"
)

var (
	chatVerbose bool
	chatAttach  []string
)

func init() {
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Log connection details to stderr")
	chatCmd.Flags().StringSliceVar(&chatAttach, "attach", nil, "Upload files and send them with the first message")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Chat in a conversation in real time",
	Long: "Connect to the chat server, open a conversation, and send each line read from stdin.\n" +
		"Commands: /retry re-sends failed messages, /who lists who is online, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		cfg := mustConfig()
		if cfg.Auth.Identity == "" {
			return fmt.Errorf("no identity configured; run 'xtrachat config set auth.identity <id>'")
		}

		log := discardLog()
		if chatVerbose {
			log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
		s, err := newSession(cfg, log)
		if err != nil {
			return err
		}
		defer s.Disconnect()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		attachments, err := uploadAll(ctx, chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token), chatAttach)
		if err != nil {
			return err
		}

		connected := make(chan struct{})
		var once sync.Once
		s.OnConnectionState(func(state chatsync.ConnectionState, err error) {
			switch state {
			case chatsync.StateConnected:
				fmt.Println(color.Green.Sprint("● connected"))
				once.Do(func() { close(connected) })
			case chatsync.StateReconnecting:
				fmt.Println(color.Yellow.Sprintf("● reconnecting: %v", err))
			case chatsync.StateDisconnected:
				if err != nil {
					fmt.Println(color.Red.Sprintf("● disconnected: %v", err))
				}
			}
		})

		if err := s.Connect(ctx, cfg.Auth.Identity); err != nil {
			fmt.Fprintf(os.Stderr, "Conversation list unavailable: %v\n", err)
		}
		select {
		case <-connected:
		case <-time.After(15 * time.Second):
			return fmt.Errorf("timed out connecting to %s", cfg.Default.BaseURL)
		case <-ctx.Done():
			return nil
		}

		if _, ok := s.Conversation(convID); !ok {
			if err := s.StartConversation(chatsync.Conversation{ID: convID}); err != nil {
				return err
			}
		}
		p := newPrinter(os.Stdout, convID)
		for _, m := range s.Messages(convID) {
			p.seen(m)
		}
		unsubscribe := s.Subscribe(func(c chatsync.Change) {
			if c.ConversationID != convID && c.Kind != chatsync.ChangeConnection {
				return
			}
			switch c.Kind {
			case chatsync.ChangeMessages:
				p.messages(s.Messages(convID))
			case chatsync.ChangeTyping:
				p.typing(s.IsTyping(convID))
			case chatsync.ChangePresence:
				if conv, ok := s.Conversation(convID); ok && conv.CounterpartID != "" {
					p.presence(conv.CounterpartID, conv.IsOnline)
				}
			}
		})
		defer unsubscribe()

		if err := s.OpenConversation(ctx, convID); err != nil {
			fmt.Fprintf(os.Stderr, "History unavailable: %v\n", err)
		}
		defer s.CloseConversation(convID)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch line {
				case "":
					continue
				case "/quit":
					return nil
				case "/retry":
					retryFailed(s, convID)
					continue
				case "/who":
					printOnline(os.Stdout, s.OnlineIdentities())
					continue
				}
				s.SetTyping(convID, true)
				if _, err := s.SendMessage(convID, line, attachments); err != nil {
					fmt.Fprintf(os.Stderr, "Not sent: %v\n", err)
				}
				attachments = nil
				s.SetTyping(convID, false)
			}
		}
	},
}

func uploadAll(ctx context.Context, client *chatsync.Client, paths []string) ([]chatsync.Attachment, error) {
	var out []chatsync.Attachment
	for _, path := range paths {
		att, err := client.Files.UploadFile(ctx, path, nil)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", path, apiError(err))
		}
		fmt.Printf("Attached %s (%s)\n", att.Name, humanize.Bytes(uint64(att.Size)))
		out = append(out, *att)
	}
	return out, nil
}

func retryFailed(s *chatsync.Session, convID string) {
	n := 0
	for _, m := range s.Messages(convID) {
		if m.Status != chatsync.StatusFailed {
			continue
		}
		if err := s.Retry(m.ClientID); err != nil {
			fmt.Fprintf(os.Stderr, "Retry %s: %v\n", m.ClientID, err)
			continue
		}
		n++
	}
	fmt.Printf("Retrying %d message(s)\n", n)
}

func printOnline(w io.Writer, identities []string) {
	if len(identities) == 0 {
		fmt.Fprintln(w, "Nobody else is online")
		return
	}
	fmt.Fprintf(w, "Online: %s\n", strings.Join(identities, ", "))
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Output
// ============================================================================

// printer renders message arrivals and status changes once each.
type printer struct {
	mu       sync.Mutex
	w        io.Writer
	convID   string
	status   map[string]chatsync.MessageStatus
	isTyping bool
	online   map[string]bool
}

func newPrinter(w io.Writer, convID string) *printer {
	return &printer{w: w, convID: convID, status: make(map[string]chatsync.MessageStatus), online: make(map[string]bool)}
}

func messageKey(m chatsync.Message) string {
	if m.ClientID != "" {
		return "c:" + m.ClientID
	}
	return "s:" + m.ServerID
}

func (p *printer) seen(m chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[messageKey(m)] = m.Status
}

func (p *printer) messages(msgs []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		key := messageKey(m)
		prev, known := p.status[key]
		p.status[key] = m.Status
		switch {
		case !known:
			p.line(m)
		case prev != m.Status && m.Sender == chatsync.SenderSelf:
			p.statusLine(m)
		}
	}
}

func (p *printer) line(m chatsync.Message) {
	who := color.Cyan.Sprint("them")
	if m.Sender == chatsync.SenderSelf {
		who = color.Magenta.Sprint("me")
	}
	text := m.Text
	for _, a := range m.Attachments {
		text += fmt.Sprintf(" [%s]", a.Name)
	}
	fmt.Fprintf(p.w, "%s %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, text)
}

func (p *printer) statusLine(m chatsync.Message) {
	switch m.Status {
	case chatsync.StatusFailed:
		fmt.Fprintf(p.w, "  %s %q: %v (type /retry)\n", color.Red.Sprint("✗ failed"), truncate(m.Text, 30), m.Err)
	case chatsync.StatusRead:
		fmt.Fprintf(p.w, "  %s %q\n", color.Green.Sprint("✓✓ read"), truncate(m.Text, 30))
	}
}

func (p *printer) typing(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on == p.isTyping {
		return
	}
	p.isTyping = on
	if on {
		fmt.Fprintln(p.w, color.Gray.Sprint("  … typing"))
	}
}

func (p *printer) presence(identity string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[identity] == online {
		return
	}
	p.online[identity] = online
	state := "offline"
	if online {
		state = "online"
	}
	fmt.Fprintf(p.w, "  %s is %s\n", identity, state)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/store"
	"chatsync/internal/timeline"
)

const scrollStep = 240 // pixels per /up or /down

// chatUI is the terminal front end: a line-based REPL over the engine, with
// the timeline viewport deciding what is on screen.
type chatUI struct {
	core   *engine.Engine
	cache  *store.Store
	view   *timeline.Viewport
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	mu           sync.Mutex // guards viewport and follow state
	conversation string
	lastNewest   string
}

func newChatUI(core *engine.Engine, cache *store.Store, cfg *config.Config, logger *slog.Logger) *chatUI {
	heights := timeline.NewHeightCache()
	heights.MediaDims = cache.MediaDims
	return &chatUI{
		core:   core,
		cache:  cache,
		view:   timeline.NewViewport(heights, cfg.Timeline.ViewportHeight),
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
}

// Run is the REPL. Plain lines send to the open conversation; slash commands
// drive navigation.
func (u *chatUI) Run(ctx context.Context, conversation string) error {
	if conversation != "" {
		u.open(ctx, conversation)
	}

	go u.follow(ctx)

	fmt.Fprintln(u.out, "chatsync ready. /help for commands.")
	u.prompt()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(u.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
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
			u.mu.Lock()
			err := u.handle(ctx, strings.TrimSpace(line))
			u.mu.Unlock()
			if err != nil {
				if err == errQuit {
					return nil
				}
				fmt.Fprintln(u.out, "error:", err)
			}
			u.prompt()
		}
	}
}

var errQuit = fmt.Errorf("quit")

func (u *chatUI) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if u.conversation == "" {
			return fmt.Errorf("no conversation open, use /open <id>")
		}
		u.core.NotifyTyping(ctx, u.conversation)
		m, err := u.core.Submit(ctx, u.conversation, line)
		if err != nil {
			return err
		}
		u.core.StopTyping(ctx, u.conversation)
		fmt.Fprintf(u.out, "  [%s] %s\n", m.Status, m.ID)
		return nil
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/help":
		fmt.Fprint(u.out, `  /open <id>        switch conversation
  /list             conversation summaries
  /show             render the current window
  /up, /down        scroll
  /older            load another history page
  /retry <msg-id>   retry a failed send
  /edit <msg-id> <text>
  /del <msg-id>
  /seen <msg-id>    who has read a message
  /quit
`)
	case "/quit":
		return errQuit
	case "/open":
		if len(args) != 1 {
			return fmt.Errorf("usage: /open <conversation-id>")
		}
		u.open(ctx, args[0])
	case "/list":
		for _, s := range u.core.Summaries() {
			marker := " "
			if s.UnreadCount > 0 {
				marker = fmt.Sprintf("%d!", s.UnreadCount)
			}
			fmt.Fprintf(u.out, "  %-2s %-20s %s\n", marker, s.ID, s.LastMessageContent)
		}
	case "/show":
		u.render()
	case "/up":
		u.view.ScrollBy(scrollStep)
		u.render()
	case "/down":
		u.view.ScrollBy(-scrollStep)
		u.render()
	case "/older":
		if u.conversation == "" {
			return fmt.Errorf("no conversation open")
		}
		u.core.LoadOlder(ctx, u.conversation)
	case "/retry":
		if len(args) != 1 {
			return fmt.Errorf("usage: /retry <message-id>")
		}
		return u.core.Retry(ctx, u.conversation, args[0])
	case "/edit":
		if len(args) < 2 {
			return fmt.Errorf("usage: /edit <message-id> <new text>")
		}
		return u.core.Edit(ctx, u.conversation, args[0], strings.Join(args[1:], " "))
	case "/del":
		if len(args) != 1 {
			return fmt.Errorf("usage: /del <message-id>")
		}
		return u.core.Delete(ctx, u.conversation, args[0])
	case "/seen":
		if len(args) != 1 {
			return fmt.Errorf("usage: /seen <message-id>")
		}
		for _, user := range u.core.SeenBy(u.conversation, args[0]) {
			fmt.Fprintln(u.out, " ", user)
		}
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	return nil
}

func (u *chatUI) open(ctx context.Context, conversation string) {
	u.conversation = conversation
	u.lastNewest = ""
	u.view.ScrollToTail()
	u.core.OpenConversation(ctx, conversation)
	fmt.Fprintf(u.out, "-- %s --\n", conversation)
}

// follow prints messages that arrive while the prompt is idle, respecting the
// viewport's follow/hold rule: scrolled away, it only announces a count.
func (u *chatUI) follow(ctx context.Context) {
	ticker := time.NewTicker(400 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.mu.Lock()
			if u.conversation == "" {
				u.mu.Unlock()
				continue
			}
			msgs := u.core.Messages(u.conversation)
			if len(msgs) == 0 || msgs[0].ID == u.lastNewest {
				u.mu.Unlock()
				continue
			}
			frame := u.frame(msgs)
			if frame.AtTail {
				u.printNewSince(msgs)
			} else if frame.UnreadBelow > 0 {
				fmt.Fprintf(u.out, "\n  (%d new below)\n", frame.UnreadBelow)
				u.prompt()
			}
			u.lastNewest = msgs[0].ID
			u.mu.Unlock()
		}
	}
}

func (u *chatUI) printNewSince(msgs []*domain.Message) {
	// msgs is newest first; print the run since lastNewest oldest-first.
	var fresh []*domain.Message
	for _, m := range msgs {
		if m.ID == u.lastNewest {
			break
		}
		fresh = append(fresh, m)
	}
	for i := len(fresh) - 1; i >= 0; i-- {
		u.printMessage(fresh[i])
	}
	if len(fresh) > 0 {
		u.prompt()
	}
}

func (u *chatUI) frame(msgs []*domain.Message) timeline.Frame {
	frame := u.view.Frame(msgs, u.cache.HasMore(u.conversation))
	if frame.NeedPage {
		u.core.LoadOlder(context.Background(), u.conversation)
		u.view.PageResolved()
	}
	return frame
}

// render prints the visible window oldest-first, the way it would sit on
// screen.
func (u *chatUI) render() {
	if u.conversation == "" {
		return
	}
	frame := u.frame(u.core.Messages(u.conversation))
	for i := len(frame.Rows) - 1; i >= 0; i-- {
		u.printMessage(frame.Rows[i].Message)
	}
	if typing := u.core.TypingUsers(u.conversation); len(typing) > 0 {
		names := make([]string, len(typing))
		for i, s := range typing {
			names[i] = s.DisplayName
		}
		fmt.Fprintf(u.out, "  %s typing...\n", strings.Join(names, ", "))
	}
	if frame.UnreadBelow > 0 {
		fmt.Fprintf(u.out, "  -- %d new below --\n", frame.UnreadBelow)
	}
}

func (u *chatUI) printMessage(m *domain.Message) {
	body := m.Content
	if m.IsDeleted {
		body = "(deleted)"
	} else if m.Kind == domain.KindImage {
		body = "[image] " + body
	}
	edited := ""
	if m.IsEdited {
		edited = " (edited)"
	}
	fmt.Fprintf(u.out, "  %s %-10s [%s] %s%s\n",
		m.CreatedAt.Format("15:04"), m.SenderID, m.Status, body, edited)
}

func (u *chatUI) prompt() {
	fmt.Fprint(u.out, "> ")
}

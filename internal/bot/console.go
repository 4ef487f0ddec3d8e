package bot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ConsoleGateway is a line-oriented Gateway over stdin/stdout, used for
// local runs and smoke tests when no chat platform is wired. Every
// input line arrives as a privileged message in the given channel; a
// leading "@" counts as a mention.
type ConsoleGateway struct {
	in      io.Reader
	channel string

	mu  sync.Mutex
	out io.Writer
}

func NewConsoleGateway(in io.Reader, out io.Writer, channel string) *ConsoleGateway {
	return &ConsoleGateway{in: in, out: out, channel: channel}
}

func (g *ConsoleGateway) Listen(ctx context.Context) (<-chan Inbound, error) {
	ch := make(chan Inbound)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(g.in)
		seq := 0
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			seq++
			msg := Inbound{
				ID:         fmt.Sprintf("console-%d", seq),
				ChannelID:  g.channel,
				UserID:     "console",
				UserName:   "console",
				Privileged: true,
			}
			if rest, ok := strings.CutPrefix(line, "@"); ok {
				msg.Mentioned = true
				line = strings.TrimSpace(rest)
			}
			msg.Content = line

			select {
			case <-ctx.Done():
				return
			case ch <- msg:
			}
		}
	}()
	return ch, nil
}

func (g *ConsoleGateway) Send(_ context.Context, channelID, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := fmt.Fprintf(g.out, "[%s] %s\n", channelID, content)
	return err
}

func (g *ConsoleGateway) Typing(context.Context, string) {}

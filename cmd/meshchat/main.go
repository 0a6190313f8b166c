package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"meshchat"
)

// stringList is a custom flag type for multiple peer addresses.
type stringList []string

func (s *stringList) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	// Env vars back every flag; a .env file fills them in for development.
	_ = godotenv.Load()

	var (
		username  string
		channel   string
		host      string
		port      int
		peerAddrs stringList
		useTUI    bool
		verbose   bool
	)

	flag.StringVar(&username, "username", os.Getenv("MESHCHAT_USERNAME"), "display name (required)")
	flag.StringVar(&channel, "channel", getEnv("MESHCHAT_CHANNEL", "general"), "channel (room) to join")
	flag.StringVar(&host, "host", getEnv("MESHCHAT_HOST", "0.0.0.0"), "chat listen host")
	flag.IntVar(&port, "port", 0, "chat listen port (0 = auto-assign)")
	flag.Var(&peerAddrs, "peer", "peer address to connect to directly (can be specified multiple times)")
	flag.BoolVar(&useTUI, "tui", false, "use the full-screen TUI")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	if username == "" {
		fmt.Fprintln(os.Stderr, "meshchat: -username (or MESHCHAT_USERNAME) is required")
		flag.Usage()
		os.Exit(2)
	}

	// The TUI owns the terminal, so logs are dropped there; plain mode gets
	// a console logger on stderr.
	logger := zerolog.Nop()
	if !useTUI {
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger()
	}

	if useTUI {
		runTUI(username, channel, host, port, peerAddrs, logger)
		return
	}
	runPlain(username, channel, host, port, peerAddrs, logger)
}

func runPlain(username, channel, host string, port int, peerAddrs []string, logger zerolog.Logger) {
	node, err := meshchat.New(meshchat.Options{
		Username: username,
		Channel:  channel,
		Host:     host,
		Port:     port,
		OnMessage: func(channel, sender, body string) {
			fmt.Printf("[%s] %s: %s\n", channel, sender, body)
		},
		OnDirect: func(from, body string) {
			fmt.Printf("[dm] %s: %s\n", from, body)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := node.Start(); err != nil {
		logger.Fatal().Err(err).Msg("node failed to start")
	}
	defer node.Stop()

	for _, addr := range peerAddrs {
		if err := node.Connect(addr); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("connect failed")
		}
	}

	fmt.Printf("joined #%s as %s, listening on %s\n", channel, username, node.LocalAddr())
	fmt.Println("type a message and press enter; /help for commands")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-quit:
			fmt.Println("\nshutting down...")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if handleCommand(node, line) {
				return
			}
		}
	}
}

// handleCommand interprets one input line; it returns true on /quit.
func handleCommand(node *meshchat.Node, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/help":
		fmt.Print(helpText)
	case line == "/status":
		s := node.Status()
		fmt.Printf("%s in #%s, %s:%d, %d peer(s)\n", s.Username, s.Channel, s.Host, s.Port, s.Peers)
	case line == "/peers":
		peers := node.Peers()
		if len(peers) == 0 {
			fmt.Println("no connected peers")
			break
		}
		for _, p := range peers {
			fmt.Printf("  %s (%s) at %s\n", p.Username, p.NodeID, p.Addr)
		}
	case strings.HasPrefix(line, "/connect "):
		addr := strings.TrimSpace(strings.TrimPrefix(line, "/connect "))
		if err := node.Connect(addr); err != nil {
			fmt.Println("connect:", err)
		}
	case strings.HasPrefix(line, "/msg "):
		rest := strings.TrimPrefix(line, "/msg ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			fmt.Println("usage: /msg <username> <text>")
			break
		}
		if err := node.SendDirect(parts[0], parts[1]); err != nil {
			fmt.Println("msg:", err)
		}
	case strings.HasPrefix(line, "/"):
		fmt.Println("unknown command; /help for commands")
	default:
		if err := node.Send(line); err != nil {
			fmt.Println("send:", err)
		}
	}
	return false
}

const helpText = `Available commands:
  /peers           list connected peers
  /status          show node status
  /connect <addr>  connect to a peer directly
  /msg <user> <t>  send a direct message
  /help            show this help
  /quit            exit
`

func runTUI(username, channel, host string, port int, peerAddrs []string, logger zerolog.Logger) {
	events := make(chan chatEvent, 64)

	node, err := meshchat.New(meshchat.Options{
		Username: username,
		Channel:  channel,
		Host:     host,
		Port:     port,
		OnMessage: func(channel, sender, body string) {
			select {
			case events <- chatEvent{sender: sender, body: body}:
			default:
			}
		},
		OnDirect: func(from, body string) {
			select {
			case events <- chatEvent{sender: from, body: body, direct: true}:
			default:
			}
		},
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "meshchat:", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "meshchat:", err)
		os.Exit(1)
	}
	defer node.Stop()

	for _, addr := range peerAddrs {
		node.Connect(addr)
	}

	ui := newUI(node, events)
	p := tea.NewProgram(ui, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshchat: tui:", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

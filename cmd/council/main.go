// Command council runs the mixture-of-experts chat daemon: one local model
// resident at a time, chosen per message by a keyword and embedding router.
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
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nous-labs/council/internal/daemon"
	coredaemon "github.com/nous-labs/council/pkg/daemon"
)

var (
	version = "dev"
	commit  = "unknown"

	configPath string
	sessionID  string
)

var rootCmd = &cobra.Command{
	Use:   "council",
	Short: "Council - routes each question to one local expert model",
	Long: `council classifies every message into Math, Coding, Vision, Knowledge or
Research, keeps exactly one matching expert model loaded on Ollama, and
answers with the session's earlier turns in mind.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon (HTTP API, Matrix bridge, janitor)",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the council on the terminal",
	Long: `Starts an interactive session on stdin. Prefix a message with an image
path to ask the Vision expert about it:

  /home/me/chart.png what does this show?

Type /quit to exit.`,
	RunE: runChat,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "council %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("COUNCIL_CONFIG_PATH"), "Path to config file (JSON or YAML)")
	chatCmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume an existing session id")

	rootCmd.AddCommand(serveCmd, chatCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogger installs the default slog handler described by cfg.
func setupLogger(cfg *coredaemon.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: coredaemon.ParseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := coredaemon.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg, os.Stdout)

	ctx, stop := signalContext()
	defer stop()

	slog.Info("council starting", "version", version, "config", configPath)
	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		return err
	}
	slog.Info("council stopped")
	return nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := coredaemon.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Keep the terminal for answers; routine logs go to stderr.
	if cfg.LogLevel == "" || strings.EqualFold(cfg.LogLevel, "info") {
		cfg.LogLevel = "warn"
	}
	setupLogger(cfg, os.Stderr)

	ctx, stop := signalContext()
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	id := sessionID
	if id == "" {
		id = d.Carrier().CreateSession()
	} else if !d.Carrier().Exists(id) {
		return fmt.Errorf("session %s not found", id)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "council session %s (/quit to exit)\n", id)
	return chatLoop(ctx, d, id, cmd.InOrStdin(), out)
}

func chatLoop(ctx context.Context, d *daemon.Daemon, id string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		res := d.Dispatcher().Process(ctx, id, line, "")
		cls := res.Classification
		fmt.Fprintf(out, "[%s via %s]\n%s\n\n", cls.Category.Label(), cls.Method, res.Answer)

		if ctx.Err() != nil {
			return nil
		}
	}
}

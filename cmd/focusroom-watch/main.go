package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"focus-room-backend/config"
	"focus-room-backend/internal/client"
	"focus-room-backend/internal/logging"
	"focus-room-backend/internal/wire"
)

const watchLongDescription = `Command "focusroom-watch"

Follow the live seat occupancy of a focus room. The stream is reopened
with backoff when it drops; the command exits once the server reports
the connection lost or the reconnect attempts are exhausted.
`

type watchOptions struct {
	configPath string
	url        string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:          "focusroom-watch",
		Short:        "Follow the live seat occupancy of a focus room",
		Long:         watchLongDescription,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.Setup(config.LogConfig{Level: opts.logLevel, Development: true})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "read client settings from this config file")
	flags.StringVarP(&opts.url, "url", "u", "", "stream endpoint, e.g. http://localhost:8080/api/stream")
	flags.IntVar(&opts.maxRetries, "max-retries", 0, "consecutive reconnect attempts before giving up")
	flags.DurationVar(&opts.baseDelay, "base-delay", 0, "delay before the first reconnect attempt")
	flags.DurationVar(&opts.maxDelay, "max-delay", 0, "upper bound for the reconnect delay")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

// resolve merges the config file with the flags; explicit flags win.
func (o *watchOptions) resolve(cmd *cobra.Command) (config.ClientConfig, error) {
	cfg := &config.Config{}
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.ClientConfig{}, fmt.Errorf("load config %s: %w", o.configPath, err)
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}

	out := cfg.Client
	flags := cmd.Flags()
	if flags.Changed("url") {
		out.URL = o.url
	}
	if flags.Changed("max-retries") {
		out.MaxRetries = o.maxRetries
	}
	if flags.Changed("base-delay") {
		out.BaseDelayMillis = int(o.baseDelay / time.Millisecond)
	}
	if flags.Changed("max-delay") {
		out.MaxDelayMillis = int(o.maxDelay / time.Millisecond)
	}
	if out.URL == "" {
		return out, fmt.Errorf("no stream url: pass --url or set client.url in the config file")
	}
	return out, nil
}

func watch(ctx context.Context, out io.Writer, cfg config.ClientConfig) error {
	c := client.New(client.NewSSEDialer(cfg.URL), client.Handlers{
		OnSnapshot: func(s wire.Snapshot) { printSnapshot(out, s) },
		OnMessage: func(m wire.SystemMessage) {
			fmt.Fprintf(out, "[%s] %s\n", m.Type, m.Message)
		},
	}, client.Options{
		BaseDelay:  config.Millis(cfg.BaseDelayMillis),
		MaxDelay:   config.Millis(cfg.MaxDelayMillis),
		MaxRetries: cfg.MaxRetries,
	})

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch := <-c.Changes():
			zap.S().Infof("Connection %s -> %s", ch.From, ch.To)
			if ch.To == client.StateError {
				return c.Err()
			}
		}
	}
}

func printSnapshot(out io.Writer, s wire.Snapshot) {
	for _, room := range s.Rooms {
		fmt.Fprintf(out, "%s: %d occupied\n", room.ID, len(room.Seats))
		for _, seat := range room.Seats {
			line := fmt.Sprintf("  #%-3d %-20s %s", seat.Position, seat.Username, seat.Task)
			if seat.AutoExitAt != nil {
				line += fmt.Sprintf(" (until %s)", seat.AutoExitAt.Local().Format("15:04"))
			}
			fmt.Fprintln(out, line)
		}
	}
}

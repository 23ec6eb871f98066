package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/transport/natsbus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Own the store and serve it to other processes over NATS",
	Long: `Open the store and serve it over NATS until interrupted.

Other processes reach it with --nats-url, or through natsbus.Client. Change
records are published as they are committed, and a ready announcement is
published at start and on every heartbeat so that caches notice restarts.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Duration("heartbeat", 0, "interval between two ready announcements")
	bindFlagSetOrPanic(serveCmd.Flags(), "nats.heartbeat", "heartbeat")
}

func runServe(cmd *cobra.Command, args []string) error {
	url := viper.GetString("nats.url")
	if url == "" {
		url = nats.DefaultURL
	}

	g, err := lockbox.Open(buildOptions())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer g.Close()

	conn, err := nats.Connect(url,
		nats.Name("lockbox-server"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer conn.Close()

	server, err := natsbus.NewServer(natsbus.ServerConfig{
		Conn:      conn,
		Backend:   g,
		Store:     g.Name(),
		Prefix:    viper.GetString("nats.prefix"),
		Heartbeat: viper.GetDuration("nats.heartbeat"),
	})
	if err != nil {
		return err
	}
	if err = server.Start(); err != nil {
		return err
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("url", conn.ConnectedUrl()).Str("store", g.Name()).Msg("serving, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/elmops/elm/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// cli carries what every subcommand shares.
type cli struct {
	v       *viper.Viper
	cfgFile string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{v: config.NewViper(), stdin: stdin, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "elm",
		Short:         "Peer-to-peer meetings with a signed, replicated state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	c.setupFlags(root)

	root.AddCommand(
		newIdentityCmd(c),
		newHostCmd(c),
		newJoinCmd(c),
		newStatusCmd(c),
	)
	return root
}

func (c *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("data-dir", defaults.GetString("data.dir"), "Directory holding identity and metrics")
	flags.String("storage", defaults.GetString("storage.kind"), "Identity storage (file, sqlite, memory)")
	flags.String("transport", defaults.GetString("transport.kind"), "Transport (quic, webrtc)")
	flags.String("listen", defaults.GetString("transport.listen"), "QUIC listen address when hosting")
	flags.String("host-addr", defaults.GetString("transport.host_addr"), "QUIC address of the host to join")
	flags.Bool("insecure", defaults.GetBool("transport.insecure"), "Skip QUIC certificate verification")
	flags.String("rendezvous", defaults.GetString("webrtc.rendezvous_url"), "Rendezvous server URL for WebRTC signaling")
	flags.StringSlice("ice", defaults.GetStringSlice("webrtc.ice_servers"), "STUN/TURN server URLs")
	flags.String("host-id", defaults.GetString("webrtc.host_id"), "Identity of the host to join over WebRTC")
	flags.String("host-key", defaults.GetString("session.host_key"), "Pin the host public key (hex)")
	flags.String("mode", defaults.GetString("session.mode"), "Session mode (secure, open)")
	flags.Duration("connect-timeout", defaults.GetDuration("session.connect_timeout"), "Time allowed to join a host")
	flags.String("name", defaults.GetString("meeting.name"), "Display name")
	flags.String("template", defaults.GetString("meeting.template"), "Meeting template when hosting (standup, retro)")
	flags.String("metrics-path", defaults.GetString("metrics.path"), "Where the host writes its metrics snapshot")
	flags.String("pprof", defaults.GetString("debug.pprof_addr"), "Serve pprof on this loopback address")

	c.bindFlag(cmd, "log.level", "log-level")
	c.bindFlag(cmd, "data.dir", "data-dir")
	c.bindFlag(cmd, "storage.kind", "storage")
	c.bindFlag(cmd, "transport.kind", "transport")
	c.bindFlag(cmd, "transport.listen", "listen")
	c.bindFlag(cmd, "transport.host_addr", "host-addr")
	c.bindFlag(cmd, "transport.insecure", "insecure")
	c.bindFlag(cmd, "webrtc.rendezvous_url", "rendezvous")
	c.bindFlag(cmd, "webrtc.ice_servers", "ice")
	c.bindFlag(cmd, "webrtc.host_id", "host-id")
	c.bindFlag(cmd, "session.host_key", "host-key")
	c.bindFlag(cmd, "session.mode", "mode")
	c.bindFlag(cmd, "session.connect_timeout", "connect-timeout")
	c.bindFlag(cmd, "meeting.name", "name")
	c.bindFlag(cmd, "meeting.template", "template")
	c.bindFlag(cmd, "metrics.path", "metrics-path")
	c.bindFlag(cmd, "debug.pprof_addr", "pprof")
}

func (c *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := c.v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (c *cli) initConfig() error {
	if c.cfgFile == "" {
		return nil
	}
	c.v.SetConfigFile(c.cfgFile)
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (c *cli) load() (config.AppConfig, error) {
	return config.Load(c.v)
}

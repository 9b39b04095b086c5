package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elmops/elm/internal/meeting"
	"github.com/elmops/elm/internal/metrics"
	"github.com/elmops/elm/internal/network"
	"github.com/elmops/elm/internal/session"
	"github.com/elmops/elm/internal/store"
)

func newHostCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Host a meeting and admit followers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runHost(cmd.Context())
		},
	}
}

func (c *cli) runHost(ctx context.Context) error {
	rt, err := c.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	template, ok := meeting.Templates()[rt.cfg.Template]
	if !ok {
		return fmt.Errorf("unknown template %q", rt.cfg.Template)
	}
	initial, err := meeting.NewMeeting(template, meeting.Participant{ID: rt.self.ID, Name: rt.displayName()})
	if err != nil {
		return err
	}
	transport, err := rt.hostTransport()
	if err != nil {
		return err
	}

	m := metrics.New()
	host, err := session.NewHost(session.HostConfig[meeting.State]{
		Identity:       rt.ids,
		Transport:      transport,
		Feature:        meeting.Feature(),
		Initial:        initial,
		Mode:           rt.mode(),
		ReconnectGrace: rt.cfg.ReconnectGrace,
		MaxMessageAge:  rt.cfg.MaxMessageAge,
		Logger:         rt.logger,
		Metrics:        m,
	})
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	defer func() {
		if err := host.Stop(); err != nil {
			rt.logger.Warn("stop host failed", zap.Error(err))
		}
	}()

	out := &syncWriter{w: c.stdout}
	addr := rt.cfg.ListenAddr
	if q, ok := transport.(*network.QUICTransport); ok {
		addr = q.Addr()
	}
	fmt.Fprintf(out, "READY id=%s key=%s transport=%s addr=%s mode=%s\n",
		rt.self.ID, rt.self.Public().PublicKey, rt.cfg.Transport, addr, rt.mode())

	unsubscribe := host.Subscribe(func(u store.Update[meeting.State]) {
		printState(out, u.State, u.Version)
	})
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go flushMetrics(runCtx, m, rt.metricsPath(), rt.logger)

	con := newConsole(host, out)
	con.extra["members"] = func(ctx context.Context, _ []string) error {
		ids, err := host.Members(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			role, _ := host.Model().RoleOf(meeting.DomainID, id)
			fmt.Fprintf(out, "%s %s\n", id, role)
		}
		return nil
	}
	con.extra["peers"] = func(context.Context, []string) error {
		fmt.Fprintf(out, "registered: %s\n", strings.Join(host.Registry().IDs(), ", "))
		return nil
	}
	con.loop(runCtx, c.stdin)

	if err := m.WriteSnapshot(rt.metricsPath()); err != nil {
		rt.logger.Warn("write metrics failed", zap.Error(err))
	}
	return nil
}

func flushMetrics(ctx context.Context, m *metrics.Metrics, path string, logger *zap.Logger) {
	if path == "" {
		return
	}
	ticker := time.NewTicker(metricsFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.WriteSnapshot(path); err != nil {
				logger.Debug("write metrics failed", zap.Error(err))
			}
		}
	}
}

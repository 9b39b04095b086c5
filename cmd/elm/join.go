package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elmops/elm/internal/meeting"
	"github.com/elmops/elm/internal/metrics"
	"github.com/elmops/elm/internal/proto"
	"github.com/elmops/elm/internal/session"
	"github.com/elmops/elm/internal/store"
)

const leaveTimeout = 3 * time.Second

func newJoinCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Join a hosted meeting as a follower",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runJoin(cmd.Context())
		},
	}
}

func (c *cli) runJoin(ctx context.Context) error {
	rt, err := c.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	transport, err := rt.followerTransport()
	if err != nil {
		return err
	}
	pinned, err := rt.pinnedHostKey()
	if err != nil {
		return err
	}
	follower, err := session.NewFollower(session.FollowerConfig[meeting.State]{
		Identity:        rt.ids,
		Transport:       transport,
		StoreID:         "meeting",
		Mode:            rt.mode(),
		ConnectTimeout:  rt.cfg.ConnectTimeout,
		ExpectedHostKey: pinned,
		MaxMessageAge:   rt.cfg.MaxMessageAge,
		Logger:          rt.logger,
		Metrics:         metrics.New(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := follower.Close(); err != nil {
			rt.logger.Debug("close follower failed", zap.Error(err))
		}
	}()

	out := &syncWriter{w: c.stdout}
	follower.OnError(func(e proto.ErrorPayload) {
		fmt.Fprintf(out, "host refused: %v\n", e)
	})
	unsubscribe := follower.Subscribe(func(u store.Update[meeting.State]) {
		printState(out, u.State, u.Version)
	})
	defer unsubscribe()

	if err := follower.Connect(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Fprintf(out, "JOINED host=%s role=%s\n", follower.HostID(), follower.Role())

	join, err := meeting.Join(meeting.Participant{ID: rt.self.ID, Name: rt.displayName()})
	if err != nil {
		return err
	}
	if err := follower.Dispatch(ctx, join); err != nil {
		return err
	}

	newConsole(follower, out).loop(ctx, c.stdin)

	leave, err := meeting.Leave(rt.self.ID)
	if err != nil {
		return err
	}
	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := follower.Dispatch(leaveCtx, leave); err != nil {
		rt.logger.Debug("leave not delivered", zap.Error(err))
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/lox/baucua/internal/client"
	"github.com/lox/baucua/internal/settlement"
	"github.com/lox/baucua/internal/store"
)

// WatchCmd joins a room and prints its state whenever it changes
type WatchCmd struct {
	ClientFlags
	Code       string `arg:"" optional:"" help:"Room code to join"`
	Create     bool   `help:"Create a room instead of joining one"`
	MaxPlayers int    `help:"Seats in a created room (0 takes the server default)"`
}

func (c *WatchCmd) Run() error {
	cfg, cl, logger, err := c.setup("")
	if err != nil {
		return err
	}
	syncCfg, err := cfg.SyncConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	session := client.NewSession(cl, quartz.NewReal(), syncCfg, logger)

	var mu sync.Mutex
	last := ""
	session.OnUpdate(func(u client.Update) {
		out := renderView(u.View, session.Phase(), session.UserID(), session.LocalBalance())
		mu.Lock()
		defer mu.Unlock()
		if out != last {
			last = out
			fmt.Println(out)
			fmt.Println()
		}
		if u.View.Deleted {
			cancel()
		}
	})
	session.OnSettle(func(s settlement.Settlement) {
		fmt.Println(renderSettlement(s))
	})

	room, err := enterRoom(ctx, session, c.Code, c.Create, c.MaxPlayers)
	if err != nil {
		return err
	}
	logger.Info("Watching room", "code", room.Code, "room", room.ID)

	<-ctx.Done()

	leaveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return session.Close(leaveCtx)
}

// enterRoom creates a room or joins the one with code.
func enterRoom(ctx context.Context, s *client.Session, code string, create bool, maxPlayers int) (store.Room, error) {
	switch {
	case create:
		room, err := s.CreateRoom(ctx, maxPlayers)
		if err != nil {
			return store.Room{}, fmt.Errorf("create room: %w", err)
		}
		fmt.Println(headerStyle.Render("Created room " + room.Code))
		return room, nil
	case code != "":
		room, err := s.JoinRoom(ctx, code)
		if err != nil {
			return store.Room{}, fmt.Errorf("join room %s: %w", code, err)
		}
		return room, nil
	default:
		return store.Room{}, fmt.Errorf("a room code or --create is required")
	}
}

package main

import (
	"fmt"
)

// RoomsCmd prints the lobby
type RoomsCmd struct {
	ClientFlags
}

func (c *RoomsCmd) Run() error {
	_, cl, _, err := c.setup("lobby")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rooms, err := cl.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	fmt.Println(renderRooms(rooms))
	return nil
}

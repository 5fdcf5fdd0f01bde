package main

import (
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Serve   ServeCmd         `cmd:"" help:"Run the room server"`
	Rooms   RoomsCmd         `cmd:"" help:"List open rooms"`
	Watch   WatchCmd         `cmd:"" help:"Join a room and print it as it changes"`
	Bot     BotCmd           `cmd:"" help:"Play automatically in a room"`
}

func main() {
	// A .env file is optional; kong picks the BAUCUA_* variables up from the environment
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("baucua"),
		kong.Description("Bau Cua rooms: server, watcher and bots"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

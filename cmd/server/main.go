package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/polkatax/rewardsync/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug      bool                   `help:"Enable debug mode."`
		Version    kong.VersionFlag       `help:"Print version information and quit."`
		Server     commands.ServerCmd     `cmd:"" help:"Start the reward sync server"`
		ResetStuck commands.ResetStuckCmd `cmd:"" name:"reset-stuck" help:"Reset jobs left in_progress by a crashed process"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}

package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/authserver/cmd/authserver/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Dev       bool `help:"Enable development mode, debug logging to the console." env:"AUTHSERVER_DEV"`
		Version   kong.VersionFlag
		Serve     commands.ServeCmd     `cmd:"" help:"Serve MQTT client authentication requests over TLS"`
		Bootstrap commands.BootstrapCmd `cmd:"" help:"Generate a development CA with server and client certificates"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Description("Authentication web hook for an MQTT broker."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Dev: cli.Dev, Version: version})
	cmd.FatalIfErrorf(err)
}

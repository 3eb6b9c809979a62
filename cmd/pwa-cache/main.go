// Command pwa-cache is an offline-first edge cache for a progressive web app.
// It precaches each release, serves requests by per-route strategy, and moves
// clients between versions on request.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLI is the command line.
type CLI struct {
	Config []string `short:"c" type:"path" env:"PWA_CACHE_CONFIG" help:"Configuration files (yaml, json or toml), applied in order."`

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Run the edge service."`
	Message MessageCmd `cmd:"" help:"Post a control message to a running service."`
	Version VersionCmd `cmd:"" help:"Print the version and exit."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

// Run prints the version.
func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pwa-cache"),
		kong.Description("Offline asset cache and update lifecycle controller for a web app."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

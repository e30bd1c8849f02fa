// Command aurelius runs the persistent-memory Stoic mentor agent.
//
// Usage:
//
//	aurelius serve --config config.yaml
//	aurelius chat --user marcus
//	aurelius analyze --user marcus --force
//	aurelius import corpus/meditations.txt --collection stoic_wisdom --author "Marcus Aurelius" --work Meditations
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server."`
	Chat    ChatCmd    `cmd:"" help:"Chat with the agent from the terminal."`
	Analyze AnalyzeCmd `cmd:"" help:"Run (or inspect) the analysis pipeline for a user."`
	Import  ImportCmd  `cmd:"" help:"Import reference texts into the wisdom collections."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("aurelius %s\n", version)
	return nil
}

// initLogger builds the process logger. CLI flag beats config file.
func initLogger(cfg *config.Config, cliLevel string) *slog.Logger {
	levelName := cfg.Logging.Level
	if cliLevel != "" {
		levelName = cliLevel
	}
	level, _ := logger.ParseLevel(levelName)
	logger.Init(level, os.Stderr, cfg.Logging.Format)
	return logger.GetLogger()
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("aurelius"),
		kong.Description("A Stoic mentor that remembers."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

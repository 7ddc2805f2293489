// Command agtown runs the Nard AI town simulation and inspects agents' plans.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Config   string `short:"c" help:"Config file path (default: ./agtown.toml when present)" type:"path"`
	LogLevel string `help:"Override log.level (debug, info, warn, error)"`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Run the simulation loop"`
	Reflect ReflectCmd `cmd:"" help:"Run one reflection cycle for an agent and print the new plan"`
	Show    ShowCmd    `cmd:"" help:"Print an agent's latest plan, or a plan by id"`
	Watch   WatchCmd   `cmd:"" help:"Follow finish inputs of a world over NATS"`
	Repl    ReplCmd    `cmd:"" help:"Interactive plan inspector"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agtown"),
		kong.Description("LLM-driven town agents with hierarchical plans."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "agtown: %v\n", err)
		os.Exit(1)
	}
}

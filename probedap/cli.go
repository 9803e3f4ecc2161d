package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"gni.dev/probedap/internal/logging"
)

type mode byte

const (
	dapMode     mode = iota // Serve DAP clients
	consoleMode             // Interactive console
	versionMode             // Show version
)

type (
	CLI struct {
		DAP     DAP     `cmd:"" name:"dap" help:"Serve Debug Adapter Protocol clients. (default command)" default:"withargs"`
		Console Console `cmd:"" help:"Open an interactive console on a probe."`
		Version Version `cmd:"" help:"Show probedap version."`

		Config   string `name:"config" short:"c" help:"${config_help}" type:"existingfile" placeholder:"FILE"`
		LogLevel string `name:"log-level" help:"Override the configured log level."`
		LogFile  string `name:"log-file" help:"Write logs to FILE instead of stderr." type:"path" placeholder:"FILE"`

		mode mode
	}

	DAP struct {
		Port int    `name:"port" short:"p" help:"${port_help}"`
		WS   string `name:"ws" help:"Also accept WebSocket clients on ADDR." placeholder:"ADDR"`
	}

	Console struct {
		Probe   string `name:"probe" help:"Probe server address, overrides the configuration." placeholder:"HOST:PORT"`
		Program string `name:"program" help:"ELF image running on the target." type:"existingfile" placeholder:"ELF"`
		Init    string `name:"init" help:"Commands to run first, separated by ';'."`
	}

	Version struct{}
)

var vars = kong.Vars{
	"config_help": "TOML configuration file. Built-in defaults are used for anything it leaves out.",
	"port_help":   "Serve every client of a local TCP port instead of a single client on stdin and stdout.",
}

func parseArgs(args []string) CLI {
	var cfg CLI
	parser, err := kong.New(&cfg,
		kong.Name("probedap"),
		kong.Description("Debug adapter for microcontrollers behind a GDB remote probe server."),
		kong.UsageOnError(),
		kong.Help(printHelp),
		vars)
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args)
	checkf(err, "failed to parse command line")

	switch ctx.Command() {
	case "console":
		cfg.mode = consoleMode
	case "version":
		cfg.mode = versionMode
	default:
		cfg.mode = dapMode
	}
	return cfg
}

func printHelp(options kong.HelpOptions, ctx *kong.Context) error {
	if err := kong.DefaultHelpPrinter(options, ctx); err != nil {
		return err
	}
	loggingHelp := `
Log modules:
  Every log line carries a "mod" field naming one of:
%s
`
	var strs []string
	for _, m := range logging.ModuleNames() {
		strs = append(strs, "    - "+m)
	}
	fmt.Fprintf(os.Stderr, loggingHelp, strings.Join(strs, "\n"))
	return nil
}

func checkf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	fatalf(format+": %s", append(args, err)...)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "probedap: "+format+"\n", args...)
	os.Exit(1)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"gni.dev/probedap/internal/config"
	"gni.dev/probedap/internal/dbg/dap"
	"gni.dev/probedap/internal/dbg/term"
	"gni.dev/probedap/internal/logging"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = ""

func main() {
	cli := parseArgs(os.Args[1:])
	if cli.mode == versionMode {
		fmt.Println("probedap", buildVersion())
		return
	}

	cfg, err := config.Load(cli.Config)
	checkf(err, "failed to load configuration")
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.Log.File = cli.LogFile
	}
	logs, err := logging.Setup(cfg.Log)
	checkf(err, "failed to set up logging")
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cli.mode {
	case consoleMode:
		err = term.Run(ctx, term.Options{
			Config:  cfg,
			Probe:   cli.Console.Probe,
			Program: cli.Console.Program,
			Init:    cli.Console.Init,
		})
	default:
		port, ws := cli.DAP.Port, cli.DAP.WS
		if port == 0 && ws == "" && cfg.Server.Listen != "" {
			err = dap.NewServer(dap.Options{Config: cfg}).ListenAndServe(ctx, cfg.Server.Listen, cfg.Server.WebSocket)
			break
		}
		if ws == "" {
			ws = cfg.Server.WebSocket
		}
		err = dap.Run(ctx, dap.Options{Config: cfg}, port, ws)
	}
	if err != nil && ctx.Err() == nil {
		stop()
		logs.Close()
		fatalf("%s", err)
	}
}

func buildVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/openais/aisexec"
	"github.com/openais/aisexec/internal/config"
	"github.com/openais/aisexec/internal/logging"
	"github.com/openais/aisexec/service/amf"
	"github.com/openais/aisexec/service/ckpt"
	"github.com/openais/aisexec/service/clm"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = pflag.String("config", "", "path to the configuration file (YAML)")
		foreground = pflag.Bool("foreground", false, "stay attached to the controlling terminal")
		verbose    = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aisexec: %v\n", err)
		return 1
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.Logging.Level)
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Notice("AIS executive service starting")

	// The service set is fixed at startup; a connection's first frame
	// selects one of these by index.
	services := []*aisexec.Service{
		clm.New(),
		amf.New(),
		ckpt.New(),
	}

	exec := aisexec.New(cfg, services, &aisexec.Options{
		Foreground: *foreground,
		Logger:     logger,
	})

	if err := exec.Run(); err != nil {
		logger.Error("AIS executive exiting", "err", err)
		return 1
	}
	logger.Notice("AIS executive stopped")
	return 0
}

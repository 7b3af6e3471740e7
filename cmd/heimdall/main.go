package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	heimdall "github.com/RoeeJ/heimdall"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

type options struct {
	logLevel uint32
	version  bool
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "heimdall <config>",
		Short: "Recursive DNS server with blocking and encrypted transports",
		Long: `Recursive/forwarding DNS server with authoritative zones,
content blocking and encrypted transports.

Listens for DNS queries over UDP, TCP, DNS-over-TLS and
DNS-over-HTTPS, answers them from authoritative zones, a
multi-tier cache or a blocklist, and forwards the rest to
upstream resolvers.
`,
		Example:      `  heimdall config.toml`,
		Args:         cobra.MinimumNArgs(0),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt, args)
		},
	}
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=None .. 6=Trace")
	cmd.Flags().BoolVarP(&opt.version, "version", "v", false, "Prints code version string")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(opt options, args []string) error {
	if opt.version {
		fmt.Println(version)
		return nil
	}
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	heimdall.Log.SetLevel(logrus.Level(opt.logLevel))

	if len(args) < 1 {
		return errors.New("not enough arguments")
	}
	config, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	serverOpt, err := config.serverOptions()
	if err != nil {
		return err
	}

	server, err := heimdall.NewServer(serverOpt)
	if err != nil {
		return err
	}

	// Stop taking new work on SIGINT/SIGTERM, then drain and persist.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		server.Stop()
		return err
	case s := <-sig:
		heimdall.Log.WithField("signal", s).Info("shutting down")
		return server.Stop()
	}
}

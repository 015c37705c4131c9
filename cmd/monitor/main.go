package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lxmf_group/internal/service/monitor"
	"lxmf_group/internal/utils/log"
)

var (
	host     string
	logFile  string
	logLevel int
)

func main() {
	root := &cobra.Command{
		Use:          "monitor",
		Short:        "Console for a running LXMF distribution group",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// the console owns the terminal, so logs go to a file or nowhere
			if logFile == "" {
				return nil
			}
			_, err := log.Init(log.Options{Level: logLevel, File: logFile})
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return monitor.NewApp(monitor.NewAPI(host)).Run(cmd.Context())
		},
	}

	root.Flags().StringVar(&host, "admin", "127.0.0.1:9090", "admin API address of the group")
	root.Flags().StringVar(&logFile, "log", "", "log file")
	root.Flags().IntVarP(&logLevel, "loglevel", "l", log.LevelInfo, "log level 0 (critical) to 7 (extreme)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

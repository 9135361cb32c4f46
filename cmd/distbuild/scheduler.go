package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rinsane/distbuild/pkg/api"
	"github.com/rinsane/distbuild/pkg/events"
	"github.com/rinsane/distbuild/pkg/log"
	"github.com/rinsane/distbuild/pkg/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler",
}

func init() {
	schedulerRunCmd.Flags().String("addr", "", "Override scheduler.addr from config")
	schedulerCmd.AddCommand(schedulerRunCmd)
}

var schedulerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler's assignment loop and HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr := cfg.Scheduler.Addr
		if override, _ := cmd.Flags().GetString("addr"); override != "" {
			addr = override
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		sched := scheduler.New(api.NewWorkerClient(), scheduler.WithBroker(broker))
		sched.Start()
		defer sched.Stop()

		srv := api.NewSchedulerServer(addr, sched, broker)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		log.Logger.Info().Str("addr", addr).Msg("scheduler started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			log.Logger.Info().Msg("shutting down scheduler")
			return srv.Stop()
		}
	},
}

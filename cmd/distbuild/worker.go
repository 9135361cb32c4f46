package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rinsane/distbuild/pkg/api"
	"github.com/rinsane/distbuild/pkg/cas"
	"github.com/rinsane/distbuild/pkg/log"
	"github.com/rinsane/distbuild/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker",
}

func init() {
	workerRunCmd.Flags().String("id", "", "Worker ID (random if unset)")
	workerRunCmd.Flags().String("addr", "", "Address this worker advertises to the scheduler")
	workerRunCmd.Flags().String("scheduler-addr", "", "Override scheduler.addr from config")
	workerRunCmd.Flags().Uint("capacity", 0, "Override worker.capacity from config")
	workerCmd.AddCommand(workerRunCmd)
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the scheduler and begin executing jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		workerID, _ := cmd.Flags().GetString("id")
		if workerID == "" {
			workerID = uuid.NewString()
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		schedulerAddr := cfg.Scheduler.Addr
		if override, _ := cmd.Flags().GetString("scheduler-addr"); override != "" {
			schedulerAddr = override
		}
		capacity := int(cfg.Worker.Capacity)
		if override, _ := cmd.Flags().GetUint("capacity"); override > 0 {
			capacity = int(override)
		}

		store, err := cas.New(cfg.CAS.Root)
		if err != nil {
			return err
		}

		schedClient := api.NewSchedulerClient(schedulerAddr)
		w := worker.New(worker.Config{
			WorkerID:          workerID,
			Address:           addr,
			Capacity:          capacity,
			HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatIntervalSecs) * time.Second,
		}, schedClient, store, nil)
		w.RegisterHandler("identity", worker.IdentityTransform)

		srv := api.NewWorkerServer(addr, w)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		if err := w.Start(context.Background()); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
		defer w.Stop()

		log.WithWorkerID(workerID).Info().Str("address", addr).Str("scheduler", schedulerAddr).Msg("worker started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			log.Logger.Info().Msg("shutting down worker")
			return srv.Stop()
		}
	},
}

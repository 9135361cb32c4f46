package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rinsane/distbuild/pkg/api"
	"github.com/rinsane/distbuild/pkg/cas"
	"github.com/rinsane/distbuild/pkg/client"
	"github.com/rinsane/distbuild/pkg/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
}

func init() {
	jobSubmitCmd.Flags().String("type", "identity", "job_type handler to invoke")
	jobSubmitCmd.Flags().String("id", "", "job_id (random if unset)")
	jobSubmitCmd.Flags().Duration("timeout", client.DefaultPollTimeout, "Wall-clock timeout to wait for completion")
	jobSubmitCmd.Flags().Bool("wait", true, "Wait for the job to reach a terminal state")

	jobListCmd.Flags().Int("limit", 0, "Max jobs to return (0 = unlimited)")
	jobListCmd.Flags().String("status", "", "Filter by status (PENDING, ASSIGNED, RUNNING, COMPLETED, FAILED)")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobWatchCmd)
}

func schedulerClientFor(cmd *cobra.Command) (*api.SchedulerClient, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return api.NewSchedulerClient(cfg.Scheduler.Addr), nil
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a file as a job's input and optionally wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := cas.New(cfg.CAS.Root)
		if err != nil {
			return err
		}
		sched, err := schedulerClientFor(cmd)
		if err != nil {
			return err
		}

		jobType, _ := cmd.Flags().GetString("type")
		jobID, _ := cmd.Flags().GetString("id")
		if jobID == "" {
			jobID = uuid.NewString()
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		wait, _ := cmd.Flags().GetBool("wait")

		input, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		c := client.New(sched, store, client.WithPollTimeout(timeout))

		if !wait {
			digest, err := c.Put(input)
			if err != nil {
				return err
			}
			if _, err := c.Submit(cmd.Context(), jobID, digest, jobType, nil); err != nil {
				return err
			}
			fmt.Println(jobID)
			return nil
		}

		output, job, err := c.Run(cmd.Context(), jobID, input, jobType, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "job %s completed (output digest %s)\n", job.ID, job.OutputHash)
		_, err = os.Stdout.Write(output)
		return err
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Print a job's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, err := schedulerClientFor(cmd)
		if err != nil {
			return err
		}
		resp, err := sched.GetJobStatus(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(resp.Job)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, err := schedulerClientFor(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		resp, err := sched.ListJobs(context.Background(), limit, status)
		if err != nil {
			return err
		}
		return printJobTable(resp.Jobs)
	},
}

var jobWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job/worker lifecycle events from the scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		u := url.URL{Scheme: "ws", Host: cfg.Scheduler.Addr, Path: "/v1/events"}
		conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		for {
			var ev map[string]interface{}
			if err := conn.ReadJSON(&ev); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			b, _ := json.Marshal(ev)
			fmt.Println(string(b))
		}
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJobTable renders jobs as a table: counts go through a
// golang.org/x/text/message printer fixed to English, so large counts get
// English thousands separators regardless of the user's locale.
func printJobTable(jobs []*types.Job) error {
	p := message.NewPrinter(language.English)
	p.Printf("%-36s %-12s %-10s %s\n", "JOB_ID", "STATUS", "WORKER", "SUBMITTED_AT")
	for _, j := range jobs {
		worker := j.AssignedWorker
		if worker == "" {
			worker = "-"
		}
		p.Printf("%-36s %-12s %-10s %s\n", j.ID, j.Status, worker, formatUnix(j.SubmittedAt))
	}
	p.Printf("%d job(s)\n", len(jobs))
	return nil
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).Format(time.RFC3339)
}

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmusicplayer/ingestd/internal/jobs"
)

var deadLimit int64

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the transcode queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print job counts per state",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeFn, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		counts, err := q.Counts(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeFn, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		dead, err := q.DeadLetters(cmd.Context(), deadLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TRACK\tATTEMPTS\tFINISHED\tERROR")
		for _, j := range dead {
			finished := ""
			if j.FinishedAt != nil {
				finished = j.FinishedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", j.Payload.TrackID, j.AttemptsMade, finished, j.Error)
		}
		return tw.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <trackId>",
	Short: "Move a dead-lettered job back to the wait list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeFn, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		job, err := q.Retry(cmd.Context(), jobs.KeyFor(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.Key, job.Status)
		return nil
	},
}

func init() {
	queueDeadCmd.Flags().Int64Var(&deadLimit, "limit", 50, "maximum jobs to list")
	queueCmd.AddCommand(queueStatsCmd, queueDeadCmd, queueRetryCmd)
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type statsResponse struct {
	Observer struct {
		Running    bool      `json:"running"`
		Processed  int64     `json:"processed"`
		LastEvent  time.Time `json:"lastEvent"`
		Reconnects int       `json:"reconnects"`
	} `json:"observer"`
	DLQ struct {
		Size   int   `json:"size"`
		Purged int64 `json:"purged"`
	} `json:"dlq"`
	Breakers map[string]string `json:"breakers"`
}

func statusCmd(makeClient func() (*client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's pipeline status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := makeClient()
			if err != nil {
				return err
			}
			var stats statsResponse
			if err := c.get("/stats", &stats); err != nil {
				return err
			}

			state := "stopped"
			if stats.Observer.Running {
				state = "running"
			}
			fmt.Printf("Observer:    %s\n", state)
			fmt.Printf("Processed:   %d changes\n", stats.Observer.Processed)
			if !stats.Observer.LastEvent.IsZero() {
				fmt.Printf("Last event:  %s\n", stats.Observer.LastEvent.Local().Format(time.RFC3339))
			}
			fmt.Printf("Reconnects:  %d\n", stats.Observer.Reconnects)
			fmt.Printf("DLQ:         %d entries (%d purged)\n", stats.DLQ.Size, stats.DLQ.Purged)
			for id, st := range stats.Breakers {
				if st != "CLOSED" {
					fmt.Printf("Breaker:     %s %s\n", id, st)
				}
			}
			return nil
		},
	}
}

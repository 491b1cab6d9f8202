package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"hooktail/internal/dlq"
)

func dlqCmd(makeClient func() (*client, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered deliveries",
	}
	cmd.AddCommand(dlqListCmd(makeClient))
	cmd.AddCommand(dlqRetryCmd(makeClient))
	cmd.AddCommand(dlqClearCmd(makeClient))
	return cmd
}

func dlqListCmd(makeClient func() (*client, error)) *cobra.Command {
	var subscriber, eventType string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered deliveries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := makeClient()
			if err != nil {
				return err
			}
			q := url.Values{}
			if subscriber != "" {
				q.Set("subscriber", subscriber)
			}
			if eventType != "" {
				q.Set("eventType", eventType)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/dlq"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var entries []dlq.Entry
			if err := c.get(path, &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("dead letter queue is empty")
				return nil
			}
			for i, e := range entries {
				fmt.Printf("%d) %s\n", i+1, e.ID)
				fmt.Printf("   subscriber: %s\n", e.SubscriberID)
				fmt.Printf("   event:      %s (%s)\n", e.EventType, e.EventID)
				fmt.Printf("   reason:     %s\n", e.FailureReason)
				fmt.Printf("   attempts:   %d original, %d replays\n", e.OriginalAttempts, e.RetryCount)
				fmt.Printf("   status:     %s\n", e.Status)
				fmt.Printf("   dead since: %s\n", e.DeadLetteredAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subscriber, "subscriber", "", "Only entries for this subscriber ID")
	cmd.Flags().StringVar(&eventType, "event-type", "", "Only entries for this event type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to return")
	return cmd
}

func dlqRetryCmd(makeClient func() (*client, error)) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [entry-id]",
		Short: "Replay a dead-lettered delivery, or all of them with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("specify either an entry ID or --all")
			}
			c, err := makeClient()
			if err != nil {
				return err
			}
			if all {
				var resp struct {
					Count int `json:"count"`
				}
				if err := c.post("/v1/dlq/retry", &resp); err != nil {
					return err
				}
				fmt.Printf("replaying %d dead-lettered deliveries\n", resp.Count)
				return nil
			}
			if err := c.post("/v1/dlq/"+url.PathEscape(args[0])+"/retry", nil); err != nil {
				return err
			}
			fmt.Printf("replaying entry %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Replay every entry in the queue")
	return cmd
}

func dlqClearCmd(makeClient func() (*client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every dead-lettered delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := makeClient()
			if err != nil {
				return err
			}
			var resp struct {
				Cleared int64 `json:"cleared"`
			}
			if err := c.delete("/v1/dlq", &resp); err != nil {
				return err
			}
			fmt.Printf("discarded %d entries\n", resp.Cleared)
			return nil
		},
	}
}

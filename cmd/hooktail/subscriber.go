package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"hooktail"
)

func subscriberCmd(makeClient func() (*client, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriber",
		Aliases: []string{"sub"},
		Short:   "Manage webhook subscribers",
	}
	cmd.AddCommand(subscriberListCmd(makeClient))
	cmd.AddCommand(subscriberShowCmd(makeClient))
	cmd.AddCommand(subscriberApplyCmd(makeClient))
	cmd.AddCommand(subscriberDeleteCmd(makeClient))
	return cmd
}

func subscriberListCmd(makeClient func() (*client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered subscribers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := makeClient()
			if err != nil {
				return err
			}
			var subs []hooktail.Subscriber
			if err := c.get("/v1/subscribers", &subs); err != nil {
				return err
			}
			if len(subs) == 0 {
				fmt.Println("no subscribers registered")
				return nil
			}
			for i, sub := range subs {
				state := "enabled"
				if !sub.Enabled {
					state = "disabled"
				}
				fmt.Printf("%d) %s (%s)\n", i+1, sub.Name, sub.ID)
				fmt.Printf("   url:    %s\n", sub.URL)
				fmt.Printf("   events: %s\n", strings.Join(sub.Events, ", "))
				fmt.Printf("   state:  %s\n", state)
			}
			return nil
		},
	}
}

func subscriberShowCmd(makeClient func() (*client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one subscriber as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := makeClient()
			if err != nil {
				return err
			}
			var sub hooktail.Subscriber
			if err := c.get("/v1/subscribers/"+url.PathEscape(args[0]), &sub); err != nil {
				return err
			}
			out, err := json.MarshalIndent(sub, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func subscriberApplyCmd(makeClient func() (*client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file.json>",
		Short: "Create or update a subscriber from a JSON definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var sub hooktail.Subscriber
			if err := json.Unmarshal(data, &sub); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			c, err := makeClient()
			if err != nil {
				return err
			}

			var saved hooktail.Subscriber
			if sub.ID == "" {
				if err := c.do(http.MethodPost, "/v1/subscribers", sub, &saved); err != nil {
					return err
				}
				fmt.Printf("created subscriber %q (%s)\n", saved.Name, saved.ID)
				return nil
			}
			path := "/v1/subscribers/" + url.PathEscape(sub.ID)
			if err := c.do(http.MethodPut, path, sub, &saved); err != nil {
				return err
			}
			fmt.Printf("updated subscriber %q (%s)\n", saved.Name, saved.ID)
			return nil
		},
	}
}

func subscriberDeleteCmd(makeClient func() (*client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := makeClient()
			if err != nil {
				return err
			}
			if err := c.delete("/v1/subscribers/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Printf("removed subscriber %s\n", args[0])
			return nil
		},
	}
}

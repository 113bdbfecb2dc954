package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coder/airouter/envelope/sqlitestore"
)

func envelopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envelope",
		Short: "Inspect logged request envelopes",
	}
	cmd.AddCommand(envelopeShowCmd())
	return cmd
}

func envelopeShowCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a request envelope and its response as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlitestore.Open(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			req, resp, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(struct {
				ID       string `json:"id"`
				Request  any    `json:"request"`
				Response any    `json:"response,omitempty"`
			}{ID: args[0], Request: req, Response: resp}, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "airouter.db", "Path to the envelope database.")
	return cmd
}

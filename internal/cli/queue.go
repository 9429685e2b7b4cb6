package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"nuha.dev/gpsclient/internal/config"
	"nuha.dev/gpsclient/internal/store"
)

func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or purge the local position queue",
	}
	cmd.AddCommand(newQueueCountCommand(rootOpts))
	cmd.AddCommand(newQueuePeekCommand(rootOpts))
	cmd.AddCommand(newQueuePurgeCommand(rootOpts))
	return cmd
}

// withStore opens the configured queue for the duration of fn.
func withStore(cmd *cobra.Command, rootOpts *RootOptions, fn func(st store.Store) error) error {
	c, err := rootOpts.load()
	if err != nil {
		return err
	}
	if c.Store.Driver == config.DriverMemory {
		return errors.New("the memory store does not outlive the process")
	}
	st, err := OpenStore(cmd.Context(), &c.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newQueueCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of queued records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(st store.Store) error {
				n, err := st.Len(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func newQueuePeekCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peek",
		Short: "Print the oldest queued record as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, rootOpts, func(st store.Store) error {
				rec, ok, err := st.Oldest(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
					return nil
				}
				out, err := json.MarshalIndent(rec, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func newQueuePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every queued record",
		Long:  "Delete every queued record. Purged records are never delivered.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("refusing to purge without --force")
			}
			return withStore(cmd, rootOpts, func(st store.Store) error {
				n, err := st.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the purge")
	return cmd
}

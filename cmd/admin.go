package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPushCmd() *cobra.Command {
	var priority float64

	cmd := &cobra.Command{
		Use:   "push URL...",
		Short: "Enqueue one or more URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, raw := range args {
				if err := appInstance.Push(cmd.Context(), raw, priority); err != nil {
					return fmt.Errorf("push %s: %w", raw, err)
				}
			}
			appInstance.Logger().Info("items enqueued",
				zap.Int("count", len(args)),
				zap.Float64("priority", priority))
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d\n", len(args))
			return nil
		},
	}
	cmd.Flags().Float64Var(&priority, "priority", 0, "priority score; higher pops first under the priority strategy")
	return cmd
}

func newRefillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refill",
		Short: "Run one proxy refill from the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			added, err := appInstance.Refill(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d\n", added)
			return nil
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve HOST...",
		Short: "Resolve hosts through the DNS fallback chain and print JSON results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, host := range args {
				res, err := appInstance.Resolve(cmd.Context(), host)
				if err != nil {
					return err
				}
				if err := enc.Encode(res); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
			}
			return nil
		},
	}
}

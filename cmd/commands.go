// Package cmd defines the CLI commands for the archiver executable.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, crawl scheduler and archive pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			s.logger.Info("serve command finished")
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "reset",
		Short:       "Clear crawl leases, queues and interactive allocations",
		Annotations: map[string]string{annotationNoBrowser: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.app.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "coordination state cleared")
			return nil
		},
	}
}

func newTransferCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "transfer",
		Short:       "Move aged archive entries from the recent index to the older tier",
		Annotations: map[string]string{annotationNoBrowser: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			moved, err := s.app.Transfer(cmd.Context())
			if err != nil {
				return fmt.Errorf("transfer: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "moved %d archive entries\n", moved)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "sweep",
		Short:       "Expire stale interactive sessions and remove old session files",
		Annotations: map[string]string{annotationNoBrowser: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			expired, expireErr := s.app.ExpireSessions(cmd.Context())
			removed, sweepErr := s.app.Sweep(cmd.Context())
			if err := errors.Join(expireErr, sweepErr); err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			s.logger.Info("sweep finished", zap.Int("expired", expired), zap.Int("removed", removed))
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d sessions, removed %d files\n", expired, removed)
			return nil
		},
	}
}

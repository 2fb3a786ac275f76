package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity with a heartbeat round-trip",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		c, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		for i := 0; i < pingCount; i++ {
			start := time.Now()
			if err := c.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			fmt.Printf("pong from %s: time=%s\n", cfg.ServerURL, time.Since(start).Round(time.Microsecond))
		}
		return nil
	},
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 1, "number of pings to send")
	rootCmd.AddCommand(pingCmd)
}

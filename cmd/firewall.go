package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/pipeline"
)

func firewallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firewall",
		Short: "Inspect and reset per-sender firewall state (requires redis)",
	}
	cmd.AddCommand(firewallStatusCmd())
	cmd.AddCommand(firewallResetCmd())
	return cmd
}

// openFirewall connects to the shared Redis cache. The in-process cache lives
// inside the server, so there is nothing to inspect without Redis.
func openFirewall(ctx context.Context) (*firewall.Firewall, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Redis.Addr == "" {
		return nil, nil, fmt.Errorf("redis.addr is not configured (set CONVOFLOW_REDIS_ADDR)")
	}
	rc, err := cache.NewRedis(ctx, cfg.Redis.ToCacheConfig())
	if err != nil {
		return nil, nil, err
	}
	fc, err := cfg.Firewall.ToFirewallConfig()
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return firewall.New(rc, fc), func() { rc.Close() }, nil
}

func firewallStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <provider> <sender-id>",
		Short: "Show block state, violations and window counts for a sender",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			fw, closeFn, err := openFirewall(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			st, err := fw.Status(ctx, pipeline.SenderKey(args[0], args[1]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func firewallResetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset <provider> <sender-id>",
		Short: "Clear a sender's block, violations and windows",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			fw, closeFn, err := openFirewall(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			key := pipeline.SenderKey(args[0], args[1])
			if err := fw.Reset(ctx, key, force); err != nil {
				return err
			}
			fmt.Printf("firewall state cleared for %s\n", key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reset even when the sender has many violations")
	return cmd
}

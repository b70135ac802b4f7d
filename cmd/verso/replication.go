package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/versohq/verso/internal/replication"
)

func newReplicationCmd() *cobra.Command {
	replicationCmd := &cobra.Command{
		Use:   "replication",
		Short: "Manage replication access",
	}

	var (
		secret string
		site   string
		ttl    time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the replication routes",
		Long: `Mint a bearer token a remote site presents on /_/replication/*.

The secret must match auth.replication_secret of the receiving server. When
--secret is omitted and --config is given, the secret is read from the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" && cfgFile != "" {
				cfg, err := loadConfig(cfgFile)
				if err != nil {
					return err
				}
				secret = cfg.Auth.ReplicationSecret
			}
			if secret == "" {
				return fmt.Errorf("replication secret required (use --secret or --config)")
			}

			token, err := replication.GenerateToken([]byte(secret), site, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&secret, "secret", "", "shared replication secret")
	tokenCmd.Flags().StringVar(&site, "site", "", "name of the replicating site")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = tokenCmd.MarkFlagRequired("site")
	replicationCmd.AddCommand(tokenCmd)

	return replicationCmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/sceneroom/internal/adapters/session"
	"github.com/dkeye/sceneroom/internal/config"
	"github.com/dkeye/sceneroom/internal/domain"
)

var (
	tokenTTL    time.Duration
	tokenScene  string
	tokenName   string
	tokenWallet string
)

// tokenCmd mints session tokens signed with the configured secrets, for
// local testing without the account API.
var tokenCmd = &cobra.Command{
	Use:       "token host|analytics <id>",
	Short:     "Print a signed session token",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"host", "analytics"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		var token string
		switch args[0] {
		case "host":
			token, err = session.NewHostToken(cfg.JWT.HostSecret, cfg.JWT.Issuer, domain.HostSession{
				UserID:          args[1],
				Name:            tokenName,
				ConnectedWallet: tokenWallet,
			}, tokenTTL)
		case "analytics":
			token, err = session.NewAnalyticsToken(cfg.JWT.AnalyticsSecret, cfg.JWT.Issuer, domain.AnalyticsSession{
				SessionID:       args[1],
				ConnectedWallet: tokenWallet,
				SceneID:         domain.SceneID(tokenScene),
			}, tokenTTL)
		default:
			return fmt.Errorf("unknown token kind %q", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenScene, "scene", "", "scene id (analytics tokens)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name (host tokens)")
	tokenCmd.Flags().StringVar(&tokenWallet, "wallet", "", "connected wallet")
	rootCmd.AddCommand(tokenCmd)
}

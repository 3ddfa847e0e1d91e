package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kestrelctl/a2arelay/pkg/config"
	"github.com/kestrelctl/a2arelay/pkg/presenter"
	"github.com/kestrelctl/a2arelay/pkg/tokens"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue, list, and revoke bearer tokens",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func openTokenStore() (*tokens.Store, error) {
	cfg := config.Load()
	dir, err := configDir(cfg)
	if err != nil {
		return nil, err
	}
	return tokens.NewStore(filepath.Join(dir, "tokens.json"))
}

var (
	tokenCreateName   string
	tokenCreateOwner  string
	tokenCreateTier   string
	tokenCreateNotify string
	tokenCreateMax    int64
)

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTokenStore()
		if err != nil {
			return err
		}

		spec := tokens.Spec{
			Name:   tokenCreateName,
			Owner:  tokenCreateOwner,
			Tier:   tokens.Tier(tokenCreateTier),
			Notify: tokens.NotifyLevel(tokenCreateNotify),
		}
		if tokenCreateMax > 0 {
			spec.MaxCalls = &tokenCreateMax
		}

		wireToken, rec, err := store.Create(spec)
		if err != nil {
			presenter.Error(err, "failed to create token")
			return err
		}

		presenter.Success(fmt.Sprintf("created token %s", rec.ID))
		fmt.Println(wireToken)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all persisted tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTokenStore()
		if err != nil {
			return err
		}

		for _, rec := range store.List() {
			presenter.Stats(&presenter.TokenStats{
				ID:            rec.ID,
				Tier:          string(rec.Tier),
				CallsMade:     rec.CallsMade,
				MaxCalls:      rec.MaxCalls,
				RatePerMinute: rec.RateLimits.PerMinute,
				RatePerHour:   rec.RateLimits.PerHour,
				RatePerDay:    rec.RateLimits.PerDay,
			})
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke [id]",
	Short: "Revoke a token by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTokenStore()
		if err != nil {
			return err
		}
		if err := store.Revoke(args[0]); err != nil {
			presenter.Error(err, "failed to revoke token")
			return err
		}
		presenter.Success("revoked token " + args[0])
		return nil
	},
}

func init() {
	tokenCreateCmd.Flags().StringVar(&tokenCreateName, "name", "", "display name for this token")
	tokenCreateCmd.Flags().StringVar(&tokenCreateOwner, "owner", "", "owner identifier")
	tokenCreateCmd.Flags().StringVar(&tokenCreateTier, "tier", string(tokens.TierFriends), "tier: public, friends, family, custom")
	tokenCreateCmd.Flags().StringVar(&tokenCreateNotify, "notify", string(tokens.NotifySummary), "notify level: all, summary, none")
	tokenCreateCmd.Flags().Int64Var(&tokenCreateMax, "max-calls", 0, "maximum calls (0 = unlimited)")

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}

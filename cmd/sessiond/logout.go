package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/whatsapp-automation/sessiond/internal/session"
)

const logoutPoll = 250 * time.Millisecond

func newLogoutCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <account-id>",
		Short: "Log an account out at WhatsApp and purge its auth state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			cfg, log, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.manager.Shutdown()

			if err := a.logout(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %d logged out\n", id)
			return nil
		},
	}
}

// logout connects the account, waits for it to authenticate and logs it
// out. An account that never paired cannot authenticate and times out.
func (a *app) logout(ctx context.Context, id int64) error {
	if err := a.manager.Start(ctx, id); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Session.ConnectTimeout+30*time.Second)
	defer cancel()
	ticker := time.NewTicker(logoutPoll)
	defer ticker.Stop()
	for {
		if s, err := a.manager.Registry().Lookup(id); err == nil && s.Status() == session.StatusConnected {
			return a.manager.Logout(ctx, id)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("account %d did not authenticate: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

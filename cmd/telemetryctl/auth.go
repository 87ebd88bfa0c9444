package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/sessionsync/internal/credential"
)

var (
	loginToken string
	loginEmail string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the credential used for uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginToken == "" {
			return fmt.Errorf("--token is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openCredentials(cfg)
		if err != nil {
			return err
		}
		c := credential.FromToken(loginToken)
		c.Email = loginEmail
		if !c.Usable(time.Now()) {
			return fmt.Errorf("token expired at %s", c.ExpiresAt.Format(time.RFC3339))
		}
		if err := store.Update(cmd.Context(), &c); err != nil {
			return err
		}
		if c.ExpiresAt != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "logged in, token expires %s\n", c.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "logged in")
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openCredentials(cfg)
		if err != nil {
			return err
		}
		if err := store.Update(cmd.Context(), nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Bearer token (JWT expiry is honoured)")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
}

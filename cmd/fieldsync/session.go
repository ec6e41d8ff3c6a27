package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/fieldsync/internal/lifecycle"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "session",
	Short:   "Sign in as a user",
	Long: `Write the session file. A running daemon picks up the change and starts
syncing as this user; signing in as a different user closes the previous
session first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		token, _ := cmd.Flags().GetString("token")
		name, _ := cmd.Flags().GetString("name")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		id := &lifecycle.Identity{UserID: user, AccessToken: token, DisplayName: name}
		if err := lifecycle.WriteSession(cfg.SessionFile, id); err != nil {
			return err
		}
		fmt.Printf("%s Signed in as %s\n", renderPass("✓"), user)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Sign out",
	Long:    `Remove the session file. A running daemon stops syncing. Local data is kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := lifecycle.WriteSession(cfg.SessionFile, nil); err != nil {
			return err
		}
		fmt.Printf("%s Signed out\n", renderPass("✓"))
		return nil
	},
}

func init() {
	loginCmd.Flags().String("user", "", "User id")
	loginCmd.Flags().String("token", "", "Access token")
	loginCmd.Flags().String("name", "", "Display name")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

package cmd

import (
	"fmt"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/output"
	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage sync authentication",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store credentials for the sync server",
	Long: `Store a bearer token and user id for the sync server. Tokens are minted
server-side (stellar-sync token --user <id>).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		userID, _ := cmd.Flags().GetString("user")
		serverURL, _ := cmd.Flags().GetString("url")
		if token == "" || userID == "" {
			err := fmt.Errorf("--token and --user are required")
			output.Error("%v", err)
			return err
		}
		if serverURL == "" {
			serverURL = syncconfig.GetServerURL()
		}

		creds := &syncconfig.AuthCredentials{
			Token:     token,
			UserID:    userID,
			ServerURL: serverURL,
		}
		if ttl, _ := cmd.Flags().GetDuration("expires-in"); ttl > 0 {
			creds.ExpiresAt = time.Now().Add(ttl).UTC().Format(time.RFC3339)
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			output.Error("save credentials: %v", err)
			return err
		}

		output.Success("Logged in as %s on %s", userID, serverURL)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			output.Error("logout: %v", err)
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			output.Error("load auth: %v", err)
			return err
		}
		if creds == nil || creds.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		fmt.Printf("User:    %s\n", creds.UserID)
		fmt.Printf("Server:  %s\n", creds.ServerURL)
		fmt.Printf("Token:   %s\n", output.ShortID(creds.Token, 15))
		if creds.ExpiresAt != "" {
			fmt.Printf("Expires: %s\n", creds.ExpiresAt)
		}
		return nil
	},
}

func init() {
	authLoginCmd.Flags().String("token", "", "Bearer token issued by the sync server")
	authLoginCmd.Flags().String("user", "", "User id the token belongs to")
	authLoginCmd.Flags().String("url", "", "Sync server URL (default: configured sync.url)")
	authLoginCmd.Flags().Duration("expires-in", 0, "Record when the token expires")

	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

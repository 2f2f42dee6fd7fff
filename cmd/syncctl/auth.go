package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncular/syncular/internal/clientconfig"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage syncd API credentials",
}

var authLoginServerURL string

var authLoginCmd = &cobra.Command{
	Use:   "login <api-key>",
	Short: "Store an API key and server URL in auth.json",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, err := clientconfig.GenerateDeviceID()
		if err != nil {
			return fmt.Errorf("generate device id: %w", err)
		}
		serverURL := authLoginServerURL
		if serverURL == "" {
			serverURL = clientconfig.GetServerURL()
		}
		creds := &clientconfig.AuthCredentials{
			APIKey:    args[0],
			ServerURL: serverURL,
			DeviceID:  deviceID,
		}
		if err := clientconfig.SaveAuth(creds); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		fmt.Printf("logged in: device %s, server %s\n", deviceID, serverURL)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := clientconfig.ClearAuth(); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}
		fmt.Println("logged out")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current authentication state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clientconfig.IsAuthenticated() {
			fmt.Println("not authenticated")
			return nil
		}
		deviceID, _ := clientconfig.GetDeviceID()
		fmt.Printf("authenticated: server %s, device %s\n", clientconfig.GetServerURL(), deviceID)
		return nil
	},
}

func init() {
	authLoginCmd.Flags().StringVar(&authLoginServerURL, "server", "", "sync server URL (defaults to config/env)")
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
}

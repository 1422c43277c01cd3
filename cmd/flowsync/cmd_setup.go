package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/flowsync/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Flowsync Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. Agent server URL
		cfg.Server.URL = prompt(scanner, "Agent server URL", cfg.Server.URL)

		// 2. Server token
		cfg.Server.Token = prompt(scanner, "Server token", cfg.Server.Token)

		// 3. Telegram bot token (optional)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		// 4. Lark app credentials (optional)
		cfg.Lark.AppID = prompt(scanner, "Lark app ID (optional)", cfg.Lark.AppID)
		if cfg.Lark.AppID != "" {
			cfg.Lark.AppSecret = prompt(scanner, "Lark app secret", cfg.Lark.AppSecret)
		}

		// 5. Control API
		enabled := "n"
		if cfg.HTTP.Enabled {
			enabled = "y"
		}
		enabled = prompt(scanner, "Enable control API? (y/n)", enabled)
		cfg.HTTP.Enabled = strings.HasPrefix(strings.ToLower(enabled), "y")
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "Control API listen address", cfg.HTTP.Listen)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

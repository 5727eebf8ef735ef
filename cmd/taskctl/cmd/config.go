package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = []string{"server", "timeout", "json", "pretty", "token"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage taskctl configuration",
	Long:  `Manage taskctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		token := "(none)"
		if jwtToken != "" {
			token = "(set)"
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"server":  serverAddr,
				"timeout": timeout.String(),
				"json":    outputJSON,
				"pretty":  prettyJSON,
				"token":   token,
			})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Current configuration:")
		fmt.Fprintf(w, "  Server: %s\n", serverAddr)
		fmt.Fprintf(w, "  Timeout: %s\n", timeout)
		fmt.Fprintf(w, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(w, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(w, "  Token: %s\n", token)
		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintln(w, "  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  Config file: none (using defaults)")
		}
		return nil
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  taskctl config set server http://localhost:8080
  taskctl config set timeout 60s
  taskctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(viper.GetViper(), key, value); err != nil {
			return err
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

// setConfigValue validates value for key and stores it in v
func setConfigValue(v *viper.Viper, key, value string) error {
	switch key {
	case "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			v.Set(key, true)
		case "false", "0", "no", "off":
			v.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "timeout":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for timeout: %s", value)
		}
		v.Set(key, value)
	case "server", "token":
		v.Set(key, value)
	default:
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
	}
	return nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".taskctl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}

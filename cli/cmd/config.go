package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	configForce    bool
	configGlobal   bool
	configTemplate string
	configFormat   string
	configReveal   bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage custody configuration",
	Long: `Inspect and edit the custody configuration file.

Keys use dot notation, e.g. custody.store_type or audit.enabled. File
values merge with CUSTODY_* environment variables and command flags;
flags win, then environment, then the file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the effective configuration",
	Long:  `Show the merged configuration from file, environment and defaults. Sensitive values (passphrases, S3 credentials) are always redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch configFormat {
		case "json":
			return printConfigJSON()
		case "yaml":
			return printConfigYAML()
		case "table":
			return printConfigTable()
		}
		return fmt.Errorf("unsupported format: %s", configFormat)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !viper.IsSet(key) {
			return fmt.Errorf("configuration key not found: %s", key)
		}

		value := viper.Get(key)
		if isSensitiveConfigKey(key) && !configReveal {
			value = "[REDACTED] (use --reveal to print)"
		}
		fmt.Printf("%s = %v\n", key, value)

		if configFile := viper.ConfigFileUsed(); configFile != "" {
			fmt.Printf("Source: %s\n", configFile)
		} else {
			fmt.Println("Source: defaults/environment/flags")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigSet(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigUnset(args[0])
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a fresh configuration file",
	Long:  `Create a configuration file from a template (default, minimal, full). With --force an existing file is overwritten, which also serves to reset a broken configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigInit()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		problems := validateConfiguration()
		if len(problems) == 0 {
			fmt.Println("Configuration is valid")
			return nil
		}
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("configuration validation failed with %d errors", len(problems))
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the recognized configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printConfigKeysTable(getConfigKeyDescriptions())
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the configuration file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile := getConfigFilePath(configGlobal)
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			if err := runConfigInit(); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = getDefaultEditor()
		}
		fmt.Printf("Opening %s with %s...\n", configFile, editor)
		return executeEditor(editor, configFile)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configGetCmd, configSetCmd, configUnsetCmd,
		configInitCmd, configValidateCmd, configKeysCmd, configEditCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configGetCmd.Flags().BoolVar(&configReveal, "reveal", false, "print sensitive values instead of redacting them")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "set a key outside the recognized set")
	configSetCmd.Flags().BoolVar(&configGlobal, "global", false, "write to the global configuration")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	configInitCmd.Flags().BoolVar(&configGlobal, "global", false, "write the global configuration")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, full)")
}

func runConfigSet(key, value string) error {
	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (see 'custody config keys', or use --force)", key)
	}

	converted, err := convertStringValue(value)
	if err != nil {
		return fmt.Errorf("failed to convert value: %w", err)
	}
	viper.Set(key, converted)

	configFile := getConfigFilePath(configGlobal)
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	shown := fmt.Sprintf("%v", converted)
	if isSensitiveConfigKey(key) {
		shown = "[REDACTED]"
	}
	fmt.Printf("Set %s = %s\n", key, shown)
	fmt.Printf("Configuration saved to: %s\n", configFile)
	return nil
}

func runConfigUnset(key string) error {
	config := viper.AllSettings()
	if err := unsetNestedKey(config, key); err != nil {
		return fmt.Errorf("failed to unset key %s: %w", key, err)
	}

	// Rebuild viper from defaults so the removed key does not linger.
	viper.Reset()
	initConfig()
	if err := viper.MergeConfigMap(config); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	configFile := getConfigFilePath(configGlobal)
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Removed configuration key: %s\n", key)
	return nil
}

func runConfigInit() error {
	configFile := getConfigFilePath(configGlobal)
	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	config := getConfigTemplate(configTemplate)
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration file created: %s (template %s)\n", configFile, configTemplate)
	return nil
}

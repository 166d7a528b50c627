package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func getConfigFilePath(global bool) string {
	if global {
		// System-wide config (e.g., /etc/custody/config.yaml)
		return "/etc/custody/config.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	// User config
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".custody.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	validKeys := []string{
		"custody.store_type",
		"custody.path",
		"custody.passphrase",
		"custody.media_root",
		"custody.s3.endpoint",
		"custody.s3.bucket",
		"custody.s3.region",
		"custody.s3.prefix",
		"custody.s3.access_key_id",
		"custody.s3.secret_access_key",
		"custody.s3.use_ssl",
		"audit.enabled",
		"audit.type",
		"audit.options.file_path",
	}

	for _, validKey := range validKeys {
		if key == validKey {
			return true
		}
	}
	return false
}

func convertStringValue(value string) (interface{}, error) {
	// Try to convert to appropriate type
	if value == "true" || value == "false" {
		return value == "true", nil
	}

	if strings.Contains(value, ".") {
		// Try float
		if f, err := parseFloat(value); err == nil {
			return f, nil
		}
	} else {
		// Try integer
		if i, err := parseInt(value); err == nil {
			return i, nil
		}
	}

	// Return as string
	return value, nil
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	// Navigate to parent
	current := config
	for i, part := range parts[:len(parts)-1] {
		if next, ok := current[part].(map[string]interface{}); ok {
			current = next
		} else {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
	}

	// Delete the final key
	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"custody": map[string]interface{}{
				"store_type": "file",
				"path":       ".custody",
			},
		}
	case "full":
		return map[string]interface{}{
			"custody": map[string]interface{}{
				"store_type": "file",
				"path":       ".custody",
				"media_root": "/media",
				"s3": map[string]interface{}{
					"endpoint": "",
					"bucket":   "",
					"region":   "us-east-1",
					"prefix":   "custody/",
					"use_ssl":  true,
				},
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	default: // "default"
		return map[string]interface{}{
			"custody": map[string]interface{}{
				"store_type": "file",
				"path":       ".custody",
				"media_root": "/media",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	}
}

func validateConfiguration() []string {
	var errors []string

	// Validate store type
	storeType := viper.GetString("custody.store_type")
	validStoreTypes := []string{"file", "memory", "s3"}
	if !contains(validStoreTypes, storeType) {
		errors = append(errors, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}

	// Store-specific validation
	if storeType == "s3" {
		if bucket := viper.GetString("custody.s3.bucket"); bucket == "" {
			errors = append(errors, "S3 bucket is required when using S3 store")
		}
	}

	// Validate audit configuration
	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "syslog"}
		if !contains(validAuditTypes, auditType) {
			errors = append(errors, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}

		if auditType == "file" {
			if filePath := viper.GetString("audit.options.file_path"); filePath == "" {
				errors = append(errors, "audit file path is required when using file audit")
			}
		}
	}

	return errors
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"custody.store_type":           "Storage backend type (file, memory, s3)",
		"custody.path":                 "Path to custody storage (for file store)",
		"custody.passphrase":           "Custody passphrase for encryption",
		"custody.media_root":           "Directory where removable media is mounted",
		"custody.s3.endpoint":          "S3 endpoint URL",
		"custody.s3.bucket":            "S3 bucket name",
		"custody.s3.region":            "S3 region",
		"custody.s3.prefix":            "S3 key prefix",
		"custody.s3.access_key_id":     "S3 access key ID",
		"custody.s3.secret_access_key": "S3 secret access key",
		"custody.s3.use_ssl":           "Use SSL for S3 connections",
		"audit.enabled":                "Enable audit logging",
		"audit.type":                   "Audit logger type (file, syslog)",
		"audit.options.file_path":      "Audit log file path",
	}
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// parseInt attempts to parse a string as an integer
func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

// parseFloat attempts to parse a string as a float64
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	// Get all settings
	settings := viper.AllSettings()
	var keys []string

	// Flatten nested keys
	flattenKeys(settings, "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		// Check if this is an environment variable
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" || os.Getenv("CUSTODY_"+envKey) != "" {
			source = "environment"
		}

		// Mask sensitive values
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

// printConfigJSON prints configuration in JSON format
func printConfigJSON() error {
	config := viper.AllSettings()

	// Mask sensitive values
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// printConfigYAML prints configuration in YAML format
func printConfigYAML() error {
	config := viper.AllSettings()

	// Mask sensitive values
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// printConfigKeysTable prints available configuration keys in table format
func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	// Sort keys
	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}

	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "key", "token", "auth"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// getDefaultEditor returns the default text editor for the current platform
func getDefaultEditor() string {
	// First check EDITOR environment variable
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}

	// Check VISUAL environment variable
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}

	// Platform-specific defaults
	switch runtime.GOOS {
	case "windows":
		// Try common Windows editors
		editors := []string{"notepad++.exe", "notepad.exe", "code.exe"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "notepad.exe"
	case "darwin":
		// Try common macOS editors
		editors := []string{"code", "nano", "vim", "vi"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "nano"
	default:
		// Try common Unix/Linux editors
		editors := []string{"nano", "vim", "vi", "emacs", "code"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "vi" // ultimate fallback
	}
}

// executeEditor launches the specified editor with the given file
func executeEditor(editor, file string) error {
	// Handle special cases for some editors
	var cmd *exec.Cmd

	switch {
	case strings.Contains(editor, "code"):
		// VS Code - wait for the window to be closed
		cmd = exec.Command(editor, "--wait", file)
	case strings.Contains(editor, "notepad++"):
		// Notepad++ - multiInstances and wait
		cmd = exec.Command(editor, "-multiInst", "-notabbar", file)
	default:
		// Default behavior for most editors
		cmd = exec.Command(editor, file)
	}

	// Connect to current terminal
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/apibuddy/api-buddy/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage api-buddy configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with the defaults",
	Long:  `Write the built-in default configuration to the given path (default api-buddy.yaml). The format follows the file extension.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	Run:   runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) {
	path := "api-buddy.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", path)
		osExit(1)
		return
	}

	data, err := renderConfig(config.Default(), path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
}

// renderConfig encodes the configuration in the format implied by the
// file extension, YAML unless the path says .json.
func renderConfig(cfg *config.Config, path string) ([]byte, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return yaml.Marshal(cfg)
}

func runConfigValidate(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		osExit(1)
		return
	}
	fmt.Printf("%s is valid\n", args[0])
	if len(cfg.DomainMappings) == 0 {
		fmt.Println("Note: no domain mappings configured; every request will return 404.")
	}
}

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slotpulse/am"
	"github.com/teranos/slotpulse/display"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage slotpulse configuration",
	Long: `am - Manage slotpulse configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (SLOTPULSE_* prefix, dots become underscores)
2. Project config (nearest ./am.toml walking up)
3. User config (~/.slotpulse/am.toml)
4. System config (/etc/slotpulse/am.toml)
5. Default values

Examples:
  slotpulse am show                 # Effective configuration as TOML
  slotpulse am show --sources       # Each setting with where it came from
  slotpulse am show --json          # Settings with sources as JSON
  slotpulse am validate             # Validate the effective configuration
  slotpulse am init                 # Write defaults to ~/.slotpulse/am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration to a file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var amSourcesFlag bool

func init() {
	amShowCmd.Flags().BoolVar(&amSourcesFlag, "sources", false, "Show where each setting came from")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), am.Settings())
	}

	if amSourcesFlag {
		data := pterm.TableData{{"Key", "Value", "Source", "From"}}
		for _, s := range am.Settings() {
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	data, err := am.Render()
	if err != nil {
		return err
	}
	fmt.Printf("# slotpulse configuration\n%s", string(data))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(am.UserConfigDir(), "am.toml")
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		pterm.Warning.Printf("%s exists; previous version kept as %s.back1\n", path, path)
	}
	if err := am.WriteDefaults(path); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote defaults to %s\n", path)
	return nil
}

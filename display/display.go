// Package display decides between human and machine output for CLI commands.
package display

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/slotpulse/errors"
)

// OutputEnv forces JSON output for every command when set to "json".
const OutputEnv = "SLOTPULSE_OUTPUT"

// ShouldOutputJSON reports whether cmd should print JSON: an explicit --json
// on the command or the root wins, then SLOTPULSE_OUTPUT.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
			v, _ := cmd.Flags().GetBool("json")
			return v
		}
		if v, err := cmd.Root().PersistentFlags().GetBool("json"); err == nil && v {
			return true
		}
	}
	return strings.EqualFold(os.Getenv(OutputEnv), "json")
}

// OutputJSON writes v as indented JSON followed by a newline.
func OutputJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

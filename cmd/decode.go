package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/hwgrade/hwgrade/internal/utils"
	"github.com/hwgrade/hwgrade/pkg/download"
	"github.com/hwgrade/hwgrade/pkg/textdecode"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Show which encoding a submission decodes with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		printText, _ := cmd.Flags().GetBool("print")
		res, err := decodeFile(afero.NewOsFs(), args[0])
		if err != nil {
			return err
		}
		writeDecoded(cmd.OutOrStdout(), args[0], res, printText)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().Bool("print", false, "Print the decoded text instead of the encoding report")
}

// decodeFile reads path the way the grader reads a download and resolves its
// encoding.
func decodeFile(fs afero.Fs, path string) (textdecode.Result, error) {
	resolver := textdecode.NewResolver(utils.Log)
	data, err := download.ReadCapped(fs, path, resolver.MaxBytes)
	if err != nil {
		return textdecode.Result{}, err
	}
	return resolver.Resolve(data)
}

func writeDecoded(w io.Writer, path string, res textdecode.Result, printText bool) {
	if printText {
		fmt.Fprint(w, res.Text)
		return
	}
	fmt.Fprintf(w, "%s: %s %s\n", path, res.Encoding, res.Score)
	if res.Truncated {
		fmt.Fprintln(w, "  truncated to the read cap")
	}
	if res.Suspicious {
		fmt.Fprintln(w, "  many replacement characters, the text may be garbled")
	}
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/hwgrade/hwgrade/internal/utils"
	"github.com/hwgrade/hwgrade/pkg/oracle"
)

// scoreCmd represents the score command
var scoreCmd = &cobra.Command{
	Use:   "score <file>",
	Short: "Score a local submission without opening the browser",
	Long: `Decodes a local source file exactly as the grader would and asks the
configured model for a score. Useful for checking the rubric and credentials
before a real run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		oc := cfg.AI.Oracle()
		oc.Log = utils.Log
		scorer, err := oracle.New(oc)
		if err != nil {
			return err
		}

		res, err := decodeFile(afero.NewOsFs(), args[0])
		if err != nil {
			return err
		}
		utils.Log.Debugf("decoded %s as %s %s", args[0], res.Encoding, res.Score)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		d, err := scorer.Score(ctx, res.Text)
		if err != nil {
			return err
		}
		writeDecision(cmd.OutOrStdout(), d)
		return nil
	},
}

func writeDecision(w io.Writer, d oracle.Decision) {
	fmt.Fprintf(w, "score:   %s\n", d.Score)
	if d.Comment != "" {
		fmt.Fprintf(w, "comment: %s\n", d.Comment)
	}
}

func init() {
	rootCmd.AddCommand(scoreCmd)
}

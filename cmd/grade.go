package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hwgrade/hwgrade/internal/config"
	"github.com/hwgrade/hwgrade/internal/utils"
	"github.com/hwgrade/hwgrade/pkg/browser"
	"github.com/hwgrade/hwgrade/pkg/download"
	"github.com/hwgrade/hwgrade/pkg/grading"
	"github.com/hwgrade/hwgrade/pkg/oracle"
	"github.com/hwgrade/hwgrade/pkg/storage"
	"github.com/hwgrade/hwgrade/pkg/textdecode"
)

// gradeCmd represents the grade command
var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Open the homework page and grade every submission on its grid",
	Long: `Opens Chrome on the homework page and waits for you to log in. After you
press Enter it walks the grid: rows that already carry a score are skipped,
every other row gets its .cpp attachment downloaded, scored and written back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if noSkip, _ := cmd.Flags().GetBool("no-skip"); noSkip {
			viper.Set("grading.skip_scored", false)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireHomeworkURL(); err != nil {
			return err
		}

		useDB, _ := cmd.Flags().GetBool("db")
		dbPath, _ := cmd.Flags().GetString("dbpath")
		if dbPath == "" {
			dbPath = cfg.DB.Path
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return runGrade(ctx, cfg, useDB || cfg.DB.Enabled, dbPath, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(gradeCmd)

	gradeCmd.Flags().String("url", "", "Homework page URL (overrides HOMEWORK_URL)")
	gradeCmd.Flags().String("download-dir", "", "Directory Chrome downloads attachments into")
	gradeCmd.Flags().Bool("headless", false, "Run Chrome without a window (needs a profile that is already logged in)")
	gradeCmd.Flags().String("profile-dir", "", "Chrome profile directory (default: one per site under $HOME/.hwgrade/profiles)")
	gradeCmd.Flags().Bool("no-skip", false, "Re-grade rows that already carry a score")
	gradeCmd.Flags().Int("max-iterations", 0, "Upper bound on grid scroll iterations")
	gradeCmd.Flags().Bool("db", false, "Record every row outcome in the audit database")
	gradeCmd.Flags().String("dbpath", "", "Path to the audit database (default: $HOME/.config/hwgrade/hwgrade.sqlite)")

	bindFlag("homework.url", gradeCmd, "url")
	bindFlag("download.dir", gradeCmd, "download-dir")
	bindFlag("browser.headless", gradeCmd, "headless")
	bindFlag("browser.profile_dir", gradeCmd, "profile-dir")
	bindFlag("grading.max_iterations", gradeCmd, "max-iterations")
}

// bindFlag lets a flag override key only when it was set on the command line.
func bindFlag(key string, c *cobra.Command, name string) {
	if err := viper.BindPFlag(key, c.Flags().Lookup(name)); err != nil {
		panic(err)
	}
}

func runGrade(ctx context.Context, cfg config.Config, useDB bool, dbPath string, in io.Reader, out io.Writer) error {
	log := utils.Log
	stdin := bufio.NewReader(in)

	oc := cfg.AI.Oracle()
	oc.Log = log
	scorer, err := oracle.New(oc)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Download.Dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	lock, err := utils.NewDirLock(cfg.Download.Dir)
	if err != nil {
		return err
	}
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	var (
		db    *storage.DB
		runID string
	)
	if useDB {
		path, err := utils.GetAbsDBPath(dbPath)
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
		db, err = storage.Open(path)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer db.Close()
		runID, err = db.StartRun(ctx, cfg.HomeworkURL, cfg.AI.Model)
		if err != nil {
			return err
		}
		log.Debugf("audit run %s in %s", runID, path)
	}

	b, err := browser.Launch(ctx, cfg.BrowserOptions(), log)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Open(ctx, cfg.HomeworkURL); err != nil {
		return err
	}
	if !cfg.Browser.Headless {
		fmt.Fprintln(out, "Log in in the browser window if needed, open the submission grid, then press Enter here.")
		if err := waitEnter(ctx, stdin); err != nil {
			return err
		}
	}
	if err := b.WaitForGrid(ctx); err != nil {
		return err
	}

	session := b.Session()
	pipeline, err := grading.NewPipeline(grading.Config{
		Session:     session,
		Scorer:      scorer,
		DownloadDir: cfg.Download.Dir,
		Detector:    download.NewDetector(nil, cfg.DetectorOptions()),
		Resolver:    textdecode.NewResolver(log),
		Options:     cfg.PipelineOptions(),
		Log:         log,
	})
	if err != nil {
		return err
	}

	walkOpts := cfg.WalkOptions()
	walkOpts.OnOutcome = func(o grading.Outcome) {
		logOutcome(o)
		if db == nil {
			return
		}
		if err := db.RecordOutcome(ctx, runID, o); err != nil {
			log.Warnf("audit: %v", err)
		}
	}
	rep, walkErr := grading.NewWalker(session, pipeline, walkOpts, log).Walk(ctx)

	if db != nil {
		// The walk context may be cancelled already; the run still gets closed.
		if err := db.FinishRun(context.Background(), runID, rep); err != nil {
			log.Warnf("audit: %v", err)
		}
	}
	if rep != nil {
		fmt.Fprintln(out, renderSummary(rep))
	}
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		return walkErr
	}

	if !cfg.Browser.Headless && ctx.Err() == nil {
		fmt.Fprintln(out, "Press Enter to close the browser.")
		_ = waitEnter(ctx, stdin)
	}
	return nil
}

func logOutcome(o grading.Outcome) {
	switch o.State {
	case grading.Failed:
		utils.Log.Warnf("row %d failed after %s: %v", o.Index+1, o.FailedAt, o.Err)
	case grading.Skipped:
		utils.Log.Infof("row %d already scored (%s), skipped", o.Index+1, o.Existing)
	default:
		utils.Log.Infof("row %d: %s -> %s (%s)", o.Index+1, o.Decision.Score, o.Chosen, utils.Truncate(o.Decision.Comment, 60))
	}
}

// waitEnter returns after one line of input or when ctx is done.
func waitEnter(ctx context.Context, r *bufio.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

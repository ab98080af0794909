package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/parzen/internal/config"
	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/logging"
	"github.com/copyleftdev/parzen/internal/objectives"
	"github.com/copyleftdev/parzen/internal/optimization"
	"github.com/copyleftdev/parzen/internal/study"
)

var (
	studyPath  string
	maxEvals   int
	seed       int64
	algorithm  string
	outputJSON bool
	verbose    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a study to completion and print the best configuration",
	Long: `Runs the study in the given file. Flags override the file's settings,
which in turn override the TPE_* environment defaults. Interrupting the run
prints the best configuration found so far.`,
	Args: cobra.NoArgs,
	RunE: runStudy,
}

func init() {
	runCmd.Flags().StringVarP(&studyPath, "file", "f", "", "Study definition, YAML or JSON (required)")
	runCmd.Flags().IntVar(&maxEvals, "max-evals", 0, "Override the evaluation budget")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Override the random seed")
	runCmd.Flags().StringVar(&algorithm, "algorithm", "", "Override the algorithm: tpe, random, grid")
	runCmd.Flags().BoolVar(&outputJSON, "json", false, "Print the result as JSON")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every trial")

	runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}

func runStudy(cmd *cobra.Command, args []string) error {
	def, err := study.Load(studyPath)
	if err != nil {
		return err
	}
	if maxEvals != 0 {
		def.MaxEvals = maxEvals
	}
	if seed != 0 {
		def.Seed = seed
	}
	if algorithm != "" {
		def.Algorithm = algorithm
	}

	env, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "loading environment defaults")
	}

	sp, err := def.SearchSpace()
	if err != nil {
		return err
	}
	obj, ok := objectives.Lookup(def.Objective)
	if !ok {
		return errors.Configurationf("parzenctl", "unknown objective %q", def.Objective)
	}

	out := cmd.OutOrStdout()
	base := study.BaseConfig(env)
	base.Logger = logging.NewZapLogger(logger.WithField("study", def.Name))
	if verbose {
		base.OnTrial = func(p optimization.Progress) { printProgress(out, p) }
	}
	cfg, err := def.DriverConfig(base)
	if err != nil {
		return err
	}

	driver, err := optimization.NewDriver(cfg)
	if err != nil {
		return err
	}

	// An interrupt stops the driver rather than cancelling its context, so
	// the partial result is still reported.
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		driver.Stop()
	}()

	res, err := driver.Optimize(cmd.Context(), sp, obj.Objective)
	if err != nil {
		return err
	}
	return printResult(out, def, res)
}

func printProgress(w io.Writer, p optimization.Progress) {
	t := p.Trial
	if t.Err != "" {
		fmt.Fprintf(w, "[%d/%d] trial %d failed: %s\n", p.Done, p.MaxEvals, t.ID, t.Err)
		return
	}
	fmt.Fprintf(w, "[%d/%d] trial %d loss=%.6g best=%.6g\n", p.Done, p.MaxEvals, t.ID, t.Loss, p.Best.Loss)
}

func printResult(w io.Writer, def *study.Definition, res *optimization.Result) error {
	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"study":     def.Name,
			"objective": def.Objective,
			"algorithm": res.Algorithm,
			"seed":      res.Seed,
			"trials":    len(res.History),
			"ok":        res.OK,
			"failed":    res.Failed,
			"exhausted": res.Exhausted,
			"best": map[string]interface{}{
				"trial":  res.Best.ID,
				"loss":   res.Best.Loss,
				"config": res.Best.Config,
			},
		})
	}

	fmt.Fprintf(w, "study %s: %d trials (%d ok, %d failed) in %s, seed %d\n",
		def, len(res.History), res.OK, res.Failed, res.Duration.Round(time.Millisecond), res.Seed)
	if res.Exhausted {
		fmt.Fprintln(w, "search space exhausted before the budget was spent")
	}
	fmt.Fprintf(w, "best trial %d, loss %.6g\n", res.Best.ID, res.Best.Loss)
	for _, k := range res.Best.Config.Keys() {
		fmt.Fprintf(w, "  %s = %v\n", k, res.Best.Config[k])
	}
	return nil
}

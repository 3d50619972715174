// Package cmd implements the mmfusion command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-mmfusion/config"
	"github.com/tsawler/go-mmfusion/dataset"
	"github.com/tsawler/go-mmfusion/encoders"
	"github.com/tsawler/go-mmfusion/engine"
	"github.com/tsawler/go-mmfusion/history"
	"github.com/tsawler/go-mmfusion/text"
	"github.com/tsawler/go-mmfusion/training"
)

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mmfusion",
		Short:         "Train and evaluate multimodal text+image multi-label classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			setupLogging(cmd.ErrOrStderr(), verbose)
		},
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train one fusion model, resuming a checkpoint in the run directory",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	addRunFlags(trainCmd)

	compareCmd := &cobra.Command{
		Use:   "compare",
		Short: "Train every fusion head on the same data and compare test macro-F1",
		Args:  cobra.NoArgs,
		RunE:  CompareHandler,
	}
	addRunFlags(compareCmd)

	evalCmd := &cobra.Command{
		Use:   "eval RUN_DIR",
		Short: "Score a split with the best checkpoint of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  EvalHandler,
	}
	evalCmd.Flags().String("data-dir", "", "Override the data directory stored with the run")
	evalCmd.Flags().String("split", "test", "Split to score (val or test)")

	historyCmd := &cobra.Command{
		Use:   "history SAVE_DIR",
		Short: "Show journaled epochs and test results",
		Args:  cobra.ExactArgs(1),
		RunE:  HistoryHandler,
	}

	vocabCmd := &cobra.Command{
		Use:   "vocab",
		Short: "Vocabulary tools",
	}
	vocabBuildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build a vocab.txt from the training split text",
		Args:  cobra.NoArgs,
		RunE:  VocabBuildHandler,
	}
	vocabBuildCmd.Flags().String("data-dir", "data", "Directory holding train.jsonl")
	vocabBuildCmd.Flags().String("out", "vocab.txt", "Output file")
	vocabCmd.AddCommand(vocabBuildCmd)

	rootCmd.AddCommand(trainCmd, compareCmd, evalCmd, historyCmd, vocabCmd)
	return rootCmd
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func addRunFlags(cmd *cobra.Command) {
	d := config.Default()
	f := cmd.Flags()
	f.String("data-dir", d.DataDir, "Directory holding train/val/test .jsonl files")
	f.String("save-dir", d.SaveDir, "Run directory for checkpoints and args.json")
	f.String("vocab-file", "", "Pretrained vocab.txt (default: build from training text)")
	f.String("fusion", d.Fusion, "Fusion head: joint, text, image or ensemble")
	f.String("text-encoder", d.TextEncoder, "Text backbone id")
	f.String("image-encoder", d.ImageEncoder, "Image backbone id")
	f.Int("image-embeds", d.ImageEmbedCount, "Pooled image regions (1-9)")
	f.String("image-pool", d.ImagePoolType, "Image region pooling: avg or max")
	f.Int("width", d.ClassifierWidth, "Classifier hidden width")
	f.Int("depth", d.ClassifierDepth, "Classifier hidden depth")
	f.Int("max-seq-len", d.MaxSeqLen, "Maximum token sequence length")
	f.Int("batch-size", d.BatchSize, "Batch size")
	f.Int("workers", d.WorkerCount, "Sample decoding workers")
	f.Int("prefetch", d.PrefetchDepth, "Batches decoded ahead")
	f.Int("image-resize", d.ImageResize, "Shorter image side after resize")
	f.Int("image-crop", d.ImageCrop, "Center crop size")
	f.Int("image-cache", d.ImageCacheSize, "Preprocessed images kept in memory (0 disables)")
	f.Int("max-epochs", d.MaxEpochs, "Maximum epochs")
	f.Int("grad-accum", d.GradientAccumulationSteps, "Batches per optimizer step")
	f.Float64("lr", d.LearningRate, "Learning rate")
	f.Float64("weight-decay", d.WeightDecay, "AdamW weight decay")
	f.Int("lr-patience", d.LRPatience, "Epochs without improvement before reducing the learning rate")
	f.Float64("lr-factor", d.LRReductionFactor, "Learning rate reduction factor")
	f.Int("patience", d.EarlyStopPatience, "Epochs without improvement before stopping")
	f.Int64("seed", d.Seed, "Random seed")
	f.String("checkpoint-format", d.CheckpointFormat, "Checkpoint format: binary or json")
	f.String("run-id", "", "Run id (default: generated)")
	f.Bool("no-progress", false, "Disable progress bars")
}

// configFromFlags reads the run flags into a validated RunConfig.
func configFromFlags(cmd *cobra.Command) (config.RunConfig, error) {
	f := cmd.Flags()
	str := func(name string) string { v, _ := f.GetString(name); return v }
	num := func(name string) int { v, _ := f.GetInt(name); return v }
	flt := func(name string) float64 { v, _ := f.GetFloat64(name); return v }
	seed, _ := f.GetInt64("seed")

	return config.NewBuilder().
		Paths(str("data-dir"), str("save-dir"), str("vocab-file")).
		Model(str("fusion"), str("text-encoder"), str("image-encoder")).
		ImageEmbeds(num("image-embeds"), str("image-pool")).
		Classifier(num("width"), num("depth")).
		Data(num("max-seq-len"), num("batch-size"), num("workers"), num("prefetch")).
		Images(num("image-resize"), num("image-crop"), num("image-cache")).
		Optimization(flt("lr"), flt("weight-decay"), num("lr-patience"), flt("lr-factor")).
		Schedule(num("max-epochs"), num("grad-accum"), num("patience")).
		Seed(seed).
		CheckpointFormat(str("checkpoint-format")).
		RunID(str("run-id")).
		Build()
}

// newEngine opens the history journal in saveDir.
func newEngine(cmd *cobra.Command, saveDir string) (*engine.Engine, func(), error) {
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, nil, err
	}
	store, err := history.Open(filepath.Join(saveDir, history.FileName))
	if err != nil {
		return nil, nil, err
	}
	eng := &engine.Engine{History: store}
	if off, _ := cmd.Flags().GetBool("no-progress"); !off {
		eng.Progress = cmd.ErrOrStderr()
	}
	return eng, func() { store.Close() }, nil
}

// TrainHandler trains a single variant.
func TrainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}
	data, err := engine.Setup(cfg, encoders.DefaultRegistry)
	if err != nil {
		return err
	}
	eng, done, err := newEngine(cmd, cfg.SaveDir)
	if err != nil {
		return err
	}
	defer done()

	res, err := eng.Train(cmd.Context(), data.Config, data)
	if err != nil {
		return err
	}
	renderResults(cmd.OutOrStdout(), []*engine.Result{res})
	return nil
}

// CompareHandler trains every variant and prints the comparison table.
func CompareHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}
	data, err := engine.Setup(cfg, encoders.DefaultRegistry)
	if err != nil {
		return err
	}
	eng, done, err := newEngine(cmd, cfg.SaveDir)
	if err != nil {
		return err
	}
	defer done()

	results, err := eng.Compare(cmd.Context(), data.Config, data)
	renderResults(cmd.OutOrStdout(), results)
	return err
}

// EvalHandler reloads a run and scores one split.
func EvalHandler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	cfg.SaveDir = args[0]
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}

	data, err := engine.Setup(cfg, encoders.DefaultRegistry)
	if err != nil {
		return err
	}
	split, _ := cmd.Flags().GetString("split")
	loader := data.Test
	switch split {
	case "test":
	case "val":
		loader = data.Val
	default:
		return fmt.Errorf("unknown split %q (want val or test)", split)
	}

	res, err := (&engine.Engine{}).Evaluate(cmd.Context(), cfg, data, loader)
	if err != nil {
		return err
	}
	renderClasses(cmd.OutOrStdout(), cfg.Labels, res.Test)
	return nil
}

// HistoryHandler prints the journal of a save directory.
func HistoryHandler(cmd *cobra.Command, args []string) error {
	store, err := history.Open(filepath.Join(args[0], history.FileName))
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := store.TestResults(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range results {
		epochs, err := store.Epochs(cmd.Context(), r.RunID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%s): test macro-F1 %.4f\n", r.Fusion, r.RunID, r.MacroF1)
		renderEpochs(out, epochs)
	}
	return nil
}

// VocabBuildHandler writes a vocabulary built from train.jsonl.
func VocabBuildHandler(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("data-dir")
	out, _ := cmd.Flags().GetString("out")

	train, err := dataset.LoadRecords(filepath.Join(dir, engine.TrainFile))
	if err != nil {
		return err
	}
	vocab := text.BuildVocabulary(train.Texts(), text.NewBasicTokenizer())
	if err := text.WriteVocabularyFile(vocab, out); err != nil {
		return err
	}
	slog.Info("vocabulary written", "path", out, "tokens", vocab.Size())
	return nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func f4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func renderResults(w io.Writer, results []*engine.Result) {
	table := newTable(w, []string{"VARIANT", "PARAMS", "EPOCHS", "BEST VAL F1", "TEST F1"})
	for _, r := range results {
		test := "-"
		if r.Test != nil {
			test = f4(r.Test.MacroF1)
		}
		table.Append([]string{
			r.Fusion,
			strconv.FormatInt(r.Parameters, 10),
			strconv.Itoa(r.Epochs),
			f4(r.BestMetric),
			test,
		})
	}
	table.Render()
}

func renderClasses(w io.Writer, labels []string, res *training.EvalResult) {
	table := newTable(w, []string{"LABEL", "THRESHOLD", "F1"})
	for i, l := range labels {
		table.Append([]string{l, f4(res.Thresholds[i]), f4(res.F1s[i])})
	}
	table.SetFooter([]string{"MACRO", "", f4(res.MacroF1)})
	table.Render()
}

func renderEpochs(w io.Writer, epochs []history.Epoch) {
	table := newTable(w, []string{"EPOCH", "TRAIN LOSS", "VAL LOSS", "VAL F1", "LR", "BEST"})
	for _, e := range epochs {
		best := ""
		if e.Improved {
			best = "*"
		}
		table.Append([]string{
			strconv.Itoa(e.Epoch),
			f4(e.TrainLoss),
			f4(e.ValLoss),
			f4(e.ValMacroF1),
			strconv.FormatFloat(e.LearningRate, 'g', 4, 64),
			best,
		})
	}
	table.Render()
}

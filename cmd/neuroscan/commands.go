package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/classify"
	"github.com/born-ml/neuroscan/internal/bot"
	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/dataset"
	"github.com/born-ml/neuroscan/internal/history"
	"github.com/born-ml/neuroscan/internal/imageio"
	"github.com/born-ml/neuroscan/internal/logging"
	"github.com/born-ml/neuroscan/internal/parallel"
	"github.com/born-ml/neuroscan/internal/server"
)

var errUsage = errors.New("usage")

func newFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "Path to the YAML config (default "+config.DefaultPath+" if present)")
	return fs, cfgPath
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		// flag has already printed the error or the help text.
		return errUsage
	}
	return nil
}

// setup loads the config and builds the logger.
func setup(cfgPath string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func openHistory(cfg config.Config, log *zap.Logger) *history.Store {
	if !cfg.History.Enabled {
		return nil
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		log.Warn("history disabled", zap.Error(err))
		return nil
	}
	return store
}

func runTrain(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlags("train", stderr)
	data := fs.String("data", "", "Dataset root with one folder per class")
	epochs := fs.Int("epochs", 0, "Epoch budget (0 = from config)")
	backbone := fs.String("backbone", "", "Backbone: onnx or stem")
	size := fs.String("size", "", "Input size as HxW or N (default from config)")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, log, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	if *data != "" {
		cfg.Dataset.Root = *data
	}
	if *epochs > 0 {
		cfg.Train.Epochs = *epochs
	}
	if *backbone != "" {
		cfg.Model.Backbone = *backbone
	}
	if *size != "" {
		h, w, err := config.ParseSize(*size)
		if err != nil {
			return err
		}
		cfg.Dataset.ImageHeight, cfg.Dataset.ImageWidth = h, w
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var observers []classify.Observer
	if store := openHistory(cfg, log); store != nil {
		defer store.Close()
		observers = append(observers, &history.Recorder{Store: store, Backbone: cfg.Model.Backbone})
	}

	res, err := classify.Train(ctx, cfg, logging.Component(log, "train"), observers...)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EPOCH\tLOSS\tACC\tVAL_LOSS\tVAL_ACC\tSTATE")
	for _, e := range res.Epochs {
		fmt.Fprintf(w, "%d\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n", e.Epoch, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, e.State)
	}
	w.Flush()
	fmt.Fprintf(stdout, "\nrun %s %s: best epoch %d (val_loss %.4f), checkpoint %s\n",
		res.RunID, res.State, res.BestEpoch, res.BestValLoss, cfg.Train.CheckpointPath)
	return nil
}

func runPredict(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlags("predict", stderr)
	asJSON := fs.Bool("json", false, "Print results as JSON")
	chartDir := fs.String("chart", "", "Directory to write a probability pie chart per image")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "predict: at least one image path is required")
		return errUsage
	}

	cfg, log, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	p, err := classify.Open(cfg, logging.Component(log, "predict"))
	if err != nil {
		return err
	}
	store := openHistory(cfg, log)
	if store != nil {
		defer store.Close()
	}

	var results []*classify.Result
	failed := 0
	for _, path := range fs.Args() {
		r, err := p.Predict(path)
		if err != nil {
			failed++
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			continue
		}
		results = append(results, r)
		if store != nil {
			_ = store.RecordPrediction(ctx, history.PredictionRecord{
				Source: "cli", Input: path, Stage: r.Stage, Present: r.Present,
				Confidence: r.Confidence, ModelPath: p.Path(),
			})
		}
		if *chartDir != "" {
			if err := writeChart(*chartDir, path, r); err != nil {
				fmt.Fprintf(stderr, "%s: chart: %v\n", path, err)
			}
		}
		if !*asJSON {
			if err := r.Render(stdout); err != nil {
				return err
			}
			fmt.Fprintln(stdout)
		}
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images could not be classified", failed, fs.NArg())
	}
	return nil
}

func writeChart(dir, image string, r *classify.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(image), filepath.Ext(image)) + "_stages.png"
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := r.Chart(f, 400); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runScan(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlags("scan", stderr)
	data := fs.String("data", "", "Dataset root (default from config)")
	remove := fs.Bool("remove", false, "Delete files that cannot be decoded")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, log, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	defer log.Sync()
	if *data != "" {
		cfg.Dataset.Root = *data
	}

	dec, err := imageio.NewDecoder(cfg.Dataset.Decoder)
	if err != nil {
		return err
	}
	report, err := dataset.Scan(ctx, cfg.Dataset.Root, dataset.ScanOptions{
		Decoder:  dec,
		Parallel: parallel.Workers(cfg.Dataset.Workers),
		Remove:   *remove,
	}, logging.Component(log, "scan"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tIMAGES")
	for _, c := range report.Classes {
		fmt.Fprintf(w, "%s\t%d\n", c.Name, c.Images)
	}
	fmt.Fprintf(w, "total\t%d\n", report.Total())
	w.Flush()
	for _, path := range report.Unreadable {
		fmt.Fprintf(stdout, "unreadable: %s\n", path)
	}
	if len(report.Removed) > 0 {
		fmt.Fprintf(stdout, "removed %d unreadable files\n", len(report.Removed))
	}
	return nil
}

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlags("serve", stderr)
	addr := fs.String("addr", "", "Listen address (default from config)")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, log, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	defer log.Sync()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	var opts []server.Option
	if store := openHistory(cfg, log); store != nil {
		defer store.Close()
		opts = append(opts, server.WithHistory(store))
	}
	srv, err := server.New(cfg, logging.Component(log, "server"), opts...)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

func runBot(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlags("bot", stderr)
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, log, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	p, err := classify.Open(cfg, logging.Component(log, "predict"))
	if err != nil {
		return err
	}
	store := openHistory(cfg, log)
	if store != nil {
		defer store.Close()
	}
	b, err := bot.New(cfg.Bot.Token, p, store, logging.Component(log, "bot"))
	if err != nil {
		return err
	}
	log.Info("bot is running")
	return b.Run(ctx)
}

func runHistory(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cfgPath := newFlags("history", stderr)
	runID := fs.String("run", "", "Show the epochs of one run")
	limit := fs.Int("limit", 20, "Number of runs to list (0 = all)")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, log, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if *runID != "" {
		epochs, err := store.Epochs(ctx, *runID)
		if err != nil {
			return err
		}
		if len(epochs) == 0 {
			if _, err := store.Run(ctx, *runID); err != nil {
				return err
			}
		}
		fmt.Fprintln(w, "EPOCH\tLOSS\tACC\tVAL_LOSS\tVAL_ACC\tSTATE\tSAVED\tTOOK")
		for _, e := range epochs {
			fmt.Fprintf(w, "%d\t%.4f\t%.4f\t%.4f\t%.4f\t%s\t%t\t%s\n",
				e.Epoch, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, e.State, e.Checkpointed, e.Duration)
		}
		return nil
	}

	runs, err := store.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "RUN\tSTARTED\tSTATE\tBEST_EPOCH\tBEST_VAL_LOSS\tBACKBONE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.4f\t%s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.State, r.BestEpoch, r.BestValLoss, r.Backbone)
	}
	return nil
}

// Command fusion trains and evaluates the multimodal fusion models on
// pre-extracted audio/video feature splits.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/multimodal_fusion/internal/dataset"
	"github.com/multimodal_fusion/pkg/fusion"
	"github.com/multimodal_fusion/pkg/layers"
	"github.com/multimodal_fusion/pkg/optim"
	"github.com/multimodal_fusion/pkg/training"
)

type trainOptions struct {
	net      string
	resume   string
	batch    int
	rate     string
	epochs   int
	lr       float64
	datadir  string
	sam      bool
	rho      float64
	clip     float64
	project  string
	prenorm  bool
	ablation int
	seed     int64
}

func main() {
	root := &cobra.Command{
		Use:           "fusion",
		Short:         "Masked multimodal transformer fusion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(trainCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func trainCmd() *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one fusion architecture and report test metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.net, "net", "n", fusion.NetAnnotated, "architecture: meanpool, transformer, annotated, detr or ablation")
	f.StringVarP(&opts.resume, "resume", "r", "", "checkpoint to resume from")
	f.IntVarP(&opts.batch, "batch", "b", 16, "batch size")
	f.StringVarP(&opts.rate, "rate", "R", "2", "downsampling rate of the feature splits")
	f.IntVarP(&opts.epochs, "epoch", "e", 10, "number of epochs")
	f.Float64VarP(&opts.lr, "lr", "a", 0.00001, "learning rate")
	f.StringVarP(&opts.datadir, "datadir", "d", "data", "directory with train/valid/test splits")
	f.BoolVarP(&opts.sam, "sam", "s", false, "train with sharpness-aware minimization over SGD")
	f.Float64Var(&opts.rho, "rho", 0.05, "SAM ascent radius")
	f.Float64Var(&opts.clip, "clip", 0, "max gradient norm, 0 disables clipping")
	f.StringVar(&opts.project, "project", layers.ProjectMinimal, "projection mode: minimal or conv1d")
	f.BoolVar(&opts.prenorm, "prenorm", false, "normalize before sublayers in the ablation model")
	f.IntVar(&opts.ablation, "ablation", 7, "ablation stage bitmask (bit 0 self, bit 1 cross, bit 2 fused)")
	f.Int64Var(&opts.seed, "seed", 0, "shuffle seed, 0 uses the current time")
	return cmd
}

func runTrain(opts *trainOptions) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	trainSplit, validSplit, testSplit, err := dataset.LoadAll(opts.datadir, opts.rate)
	if err != nil {
		return err
	}

	model, err := fusion.New(opts.net, fusion.Config{
		AudioDim:   trainSplit.AudioDim,
		VideoDim:   trainSplit.VideoDim,
		FusedDim:   fusion.DefaultFusedDim,
		Projection: opts.project,
		PreNorm:    opts.prenorm,
		Bitmask:    opts.ablation,
	})
	if err != nil {
		return err
	}

	trainer := &training.Trainer{Model: model, Clip: opts.clip, Logger: logger}
	weightDecay := 1.0 / float64(opts.batch)
	if opts.sam {
		base, err := optim.NewSGD(opts.lr, 0.9, weightDecay)
		if err != nil {
			return err
		}
		if trainer.SAM, err = optim.NewSAM(base, opts.rho); err != nil {
			return err
		}
	} else if trainer.Opt, err = optim.NewAdamW(opts.lr, weightDecay); err != nil {
		return err
	}

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	runID := uuid.NewString()
	logger.Info("run",
		"id", runID,
		"net", opts.net,
		"rate", opts.rate,
		"batch", opts.batch,
		"epochs", opts.epochs,
		"lr", opts.lr,
		"sam", opts.sam,
		"train_samples", len(trainSplit.Samples),
		"valid_samples", len(validSplit.Samples),
		"test_samples", len(testSplit.Samples))

	res, err := trainer.Run(training.RunConfig{
		Net:    opts.net,
		RunID:  runID,
		Epochs: opts.epochs,
		Batch:  opts.batch,
		OutDir: filepath.Join("results", opts.net+"_"+opts.rate),
		Resume: opts.resume,
	}, trainSplit, validSplit, testSplit, rng)
	if err != nil {
		return err
	}

	res.Report.Render(os.Stdout)
	return nil
}

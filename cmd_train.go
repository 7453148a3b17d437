package main

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// End-to-end smoke run of the distillation engine on synthetic data:
// build a student/teacher pair, wire the loss and schedules, stream crop
// batches from the background sampler, and train. The defaults are sized
// so a run completes in seconds on a laptop - this validates that the
// pieces fit together, it does not train a useful model.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type trainFlags struct {
	// Model
	channels   int
	patchSize  int
	hidden     int
	embedDim   int
	bottleneck int
	prototypes int

	// Crops
	sourceSize  int
	globalSize  int
	localSize   int
	globalCrops int
	localCrops  int

	// Training
	batchSize     int
	epochs        int
	stepsPerEpoch int
	warmupEpochs  int
	baseLR        float64
	finalLR       float64
	baseMomentum  float64
	teacherTemp   float64
	studentTemp   float64
	optimizer     string
	seed          int64
	workers       int
}

// NewTrainCommand builds the train subcommand.
func NewTrainCommand() *cobra.Command {
	var flags trainFlags

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run self-distillation training on synthetic multi-crop batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), flags)
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&flags.channels, "channels", 3, "Image channels")
	fs.IntVar(&flags.patchSize, "patch", 8, "Backbone patch size")
	fs.IntVar(&flags.hidden, "hidden", 128, "Backbone hidden dimension")
	fs.IntVar(&flags.embedDim, "embed", 64, "Backbone embedding dimension")
	fs.IntVar(&flags.bottleneck, "bottleneck", 256, "Projection head bottleneck dimension")
	fs.IntVar(&flags.prototypes, "prototypes", 4096, "Projection head output dimension")

	fs.IntVar(&flags.sourceSize, "source-size", 96, "Synthetic source image size")
	fs.IntVar(&flags.globalSize, "global-size", 64, "Global crop size")
	fs.IntVar(&flags.localSize, "local-size", 32, "Local crop size")
	fs.IntVar(&flags.globalCrops, "global-crops", 2, "Number of global crops")
	fs.IntVar(&flags.localCrops, "local-crops", 4, "Number of local crops")

	fs.IntVar(&flags.batchSize, "batch", 8, "Batch size")
	fs.IntVar(&flags.epochs, "epochs", 4, "Number of epochs")
	fs.IntVar(&flags.stepsPerEpoch, "steps", 25, "Steps per epoch")
	fs.IntVar(&flags.warmupEpochs, "warmup", 1, "Learning rate warmup epochs")
	fs.Float64Var(&flags.baseLR, "lr", 5e-4, "Base learning rate after warmup")
	fs.Float64Var(&flags.finalLR, "final-lr", 1e-6, "Final learning rate floor")
	fs.Float64Var(&flags.baseMomentum, "momentum", 0.996, "Base teacher EMA momentum")
	fs.Float64Var(&flags.teacherTemp, "teacher-temp", 0.04, "Teacher softmax temperature")
	fs.Float64Var(&flags.studentTemp, "student-temp", 0.1, "Student softmax temperature")
	fs.StringVar(&flags.optimizer, "optimizer", "adam", "Optimizer: adam or sgd")
	fs.Int64Var(&flags.seed, "seed", 42, "Sampler random seed")
	fs.IntVar(&flags.workers, "workers", 2, "Sampler worker goroutines")

	return cmd
}

// newNetwork builds one {backbone, head} instance from the flags.
func newNetwork(flags trainFlags) (*Network, error) {
	backbone, err := NewPatchBackbone(flags.channels, flags.patchSize, flags.hidden, flags.embedDim)
	if err != nil {
		return nil, err
	}
	head, err := NewProjectionHead(flags.embedDim, flags.bottleneck, flags.prototypes)
	if err != nil {
		return nil, err
	}
	return &Network{Backbone: backbone, Head: head}, nil
}

func runTrain(parent context.Context, flags trainFlags) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	runID := uuid.NewString()

	student, err := newNetwork(flags)
	if err != nil {
		return err
	}
	teacher, err := newNetwork(flags)
	if err != nil {
		return err
	}

	loss, err := NewDistillationLoss(flags.prototypes, 0.9, flags.teacherTemp, flags.studentTemp)
	if err != nil {
		return err
	}

	engine, err := NewDistillationEngine(student, teacher, loss)
	if err != nil {
		return err
	}

	sched, err := NewScheduleCoordinator(flags.baseLR/100, flags.baseLR, flags.finalLR,
		flags.warmupEpochs, flags.epochs, flags.baseMomentum)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	batches, err := StartCropSampler(ctx, SamplerOptions{
		BatchSize:   flags.batchSize,
		Channels:    flags.channels,
		SourceSize:  flags.sourceSize,
		GlobalSize:  flags.globalSize,
		LocalSize:   flags.localSize,
		GlobalCrops: flags.globalCrops,
		LocalCrops:  flags.localCrops,
		NumWorkers:  flags.workers,
		Seed:        flags.seed,
	})
	if err != nil {
		return err
	}

	cfg := DefaultTrainingConfig()
	cfg.Epochs = flags.epochs
	cfg.StepsPerEpoch = flags.stepsPerEpoch
	cfg.WarmupEpochs = flags.warmupEpochs
	cfg.BaseLR = flags.baseLR
	cfg.FinalLR = flags.finalLR
	cfg.BaseMomentum = flags.baseMomentum
	cfg.Optimizer = flags.optimizer
	cfg.RunID = runID

	steps, err := Train(ctx, engine, sched, batches, cfg, logger)
	if err != nil {
		return fmt.Errorf("training failed after %d steps: %w", steps, err)
	}

	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// NewSchedulesCommand builds the schedules subcommand, which prints the
// per-epoch learning rate and teacher momentum a run would use. Because
// both schedules are pure functions of the epoch index, the table is
// exact: a run resumed at any epoch uses precisely these values.
func NewSchedulesCommand() *cobra.Command {
	var (
		epochs       int
		warmup       int
		warmupStart  float64
		baseLR       float64
		finalLR      float64
		baseMomentum float64
	)

	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Preview the per-epoch learning rate and teacher momentum schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := NewScheduleCoordinator(warmupStart, baseLR, finalLR, warmup, epochs, baseMomentum)
			if err != nil {
				return err
			}

			var data [][]string
			for epoch := 0; epoch < epochs; epoch++ {
				phase := "cosine"
				if epoch < warmup {
					phase = "warmup"
				}
				data = append(data, []string{
					fmt.Sprintf("%d", epoch),
					phase,
					fmt.Sprintf("%.6g", sched.LearningRate(epoch)),
					fmt.Sprintf("%.6f", sched.Momentum(epoch)),
				})
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"EPOCH", "PHASE", "LR", "MOMENTUM"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()

			return nil
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&epochs, "epochs", 100, "Total training epochs")
	fs.IntVar(&warmup, "warmup", 10, "Warmup epochs")
	fs.Float64Var(&warmupStart, "warmup-start", 1e-6, "Learning rate at epoch 0")
	fs.Float64Var(&baseLR, "lr", 5e-4, "Base learning rate after warmup")
	fs.Float64Var(&finalLR, "final-lr", 1e-6, "Final learning rate floor")
	fs.Float64Var(&baseMomentum, "momentum", 0.996, "Base teacher EMA momentum")

	return cmd
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmarm/internal/rdma"
)

// ChurnOptions configures a churn run
type ChurnOptions struct {
	Workers    int
	Iterations int
	Classes    int
	// RetirePercent is the share of queue pairs destroyed instead of released
	RetirePercent int
	// Hold is how many queue pairs each worker keeps in use at most
	Hold int
}

// ChurnReport is the outcome of a churn run
type ChurnReport struct {
	Pool      rdma.PoolStats `yaml:"pool"`
	Duration  string         `yaml:"duration"`
	Acquired  int64          `yaml:"acquired"`
	Released  int64          `yaml:"released"`
	Retired   int64          `yaml:"retired"`
	Failed    int64          `yaml:"failed"`
	OpsPerSec float64        `yaml:"ops_per_sec"`
}

// NewChurnCmd creates the churn command
func NewChurnCmd(opts *GlobalOptions) *cobra.Command {
	co := ChurnOptions{}

	cmd := &cobra.Command{
		Use:   "churn",
		Short: "Acquire and release queue pairs concurrently",
		Long: `Runs concurrent workers that acquire queue pairs of random classes and
release or retire them, then prints pool statistics as YAML. Use it to
watch free-list reuse under connection churn.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}

			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			m, err := rdma.Open(cfg.ManagerConfig(), backend)
			if err != nil {
				return err
			}

			report, runErr := RunChurn(cmd.Context(), m, co)

			if err := m.DrainAll(); err != nil {
				return fmt.Errorf("failed to drain resources: %w", err)
			}

			if runErr != nil {
				return runErr
			}

			return writeYAML(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().IntVar(&co.Workers, "workers", 4, "Number of concurrent workers")
	cmd.Flags().IntVar(&co.Iterations, "iterations", 1000, "Acquisitions per worker")
	cmd.Flags().IntVar(&co.Classes, "classes", 4, "Number of queue pair classes")
	cmd.Flags().IntVar(&co.RetirePercent, "retire-percent", 5, "Percent of queue pairs retired instead of released")
	cmd.Flags().IntVar(&co.Hold, "hold", 4, "Queue pairs each worker holds at most")

	return cmd
}

// RunChurn drives the pool of m with co.Workers goroutines. Every queue pair a
// worker holds is released before it returns, so the pool is fully free
// afterwards unless an operation failed.
func RunChurn(ctx context.Context, m *rdma.Manager, co ChurnOptions) (*ChurnReport, error) {
	if co.Workers <= 0 || co.Iterations <= 0 || co.Classes <= 0 || co.Hold <= 0 {
		return nil, errors.New("workers, iterations, classes and hold must be positive")
	}

	var acquired, released, retired, failed atomic.Int64

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)

	for w := range co.Workers {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), uint64(start.UnixNano())))
			held := make([]rdma.QP, 0, co.Hold)

			giveBack := func(qp rdma.QP) error {
				if rng.IntN(100) < co.RetirePercent {
					retired.Add(1)
					return m.Pool().Retire(qp)
				}

				released.Add(1)

				return m.Pool().Release(qp)
			}

			for range co.Iterations {
				if err := ctx.Err(); err != nil {
					return err
				}

				qp, err := m.Acquire(uint64(rng.IntN(co.Classes)))
				if err != nil {
					failed.Add(1)

					if rdma.IsFatal(err) {
						return err
					}

					continue
				}

				acquired.Add(1)
				held = append(held, qp)

				if len(held) == co.Hold {
					i := rng.IntN(len(held))
					if err := giveBack(held[i]); err != nil {
						return err
					}

					held = append(held[:i], held[i+1:]...)
				}
			}

			for _, qp := range held {
				if err := giveBack(qp); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	ops := acquired.Load() + released.Load() + retired.Load()

	return &ChurnReport{
		Pool:      m.Pool().Stats(),
		Duration:  elapsed.String(),
		Acquired:  acquired.Load(),
		Released:  released.Load(),
		Retired:   retired.Load(),
		Failed:    failed.Load(),
		OpsPerSec: float64(ops) / elapsed.Seconds(),
	}, nil
}

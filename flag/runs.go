package flag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/govpmem/govpmem/numa"
	"github.com/govpmem/govpmem/pmem"
	"github.com/govpmem/govpmem/virtio"
)

type RunCMD struct {
	Backing      string        `help:"Backing file for the pmem contents; flushes then msync it." short:"b"`
	Size         string        `help:"Region size as number[gGmMkK]." short:"m" default:"64M"`
	Flushers     int           `help:"Concurrent flusher goroutines." short:"c" default:"8"`
	Count        int           `help:"Flushes issued per flusher." short:"n" default:"64"`
	Delay        time.Duration `help:"Simulated host service delay per flush." default:"0"`
	DrainTimeout time.Duration `help:"Teardown drain deadline." default:"10s"`
	Profile      string        `help:"Write a profile: cpu, mem or goroutine." default:""`
	Verbose      bool          `help:"Debug logging." short:"v"`
}

func (s *RunCMD) Run() error {
	switch s.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	case "goroutine":
		defer profile.Start(profile.GoroutineProfile, profile.ProfilePath(".")).Stop()
	case "":
	default:
		return fmt.Errorf("unknown profile kind %q", s.Profile)
	}

	logger, err := newLogger(s.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	size, err := ParseSize(s.Size, "m")
	if err != nil {
		return err
	}

	lb, err := virtio.NewLoopback(virtio.LoopbackConfig{
		BackingPath:  s.Backing,
		Size:         uint64(size),
		ServiceDelay: s.Delay,
	})
	if err != nil {
		return err
	}
	defer lb.Close()

	topology, err := numa.SystemTopology()
	if err != nil {
		logger.Debug("no system NUMA topology", zap.Error(err))

		topology = &numa.Topology{}
	}

	dev, err := pmem.Attach(lb, pmem.Options{
		Logger:       logger,
		Topology:     topology,
		DrainTimeout: s.DrainTimeout,
	})
	if err != nil {
		return err
	}

	region := dev.Region()
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())

	for i := 0; i < s.Flushers; i++ {
		g.Go(func() error {
			for j := 0; j < s.Count; j++ {
				if err := region.Flush(ctx); err != nil {
					var ferr *pmem.FlushError
					if errors.As(err, &ferr) {
						logger.Warn("flush failed", zap.Error(err))

						continue
					}

					return err
				}
			}

			return nil
		})
	}

	flushErr := g.Wait()
	elapsed := time.Since(start)

	res := dev.Detach()

	logger.Info("run finished",
		zap.Int("flushes", s.Flushers*s.Count),
		zap.Duration("elapsed", elapsed),
		zap.Int("drain_completed", res.Completed),
		zap.Int("drain_forced", res.Forced))

	return flushErr
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	return cfg.Build()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/checkpoint"
	"github.com/systemsim/parsim/internal/config"
	"github.com/systemsim/parsim/internal/core"
	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/health"
	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/model"
	"github.com/systemsim/parsim/internal/partition"
	"github.com/systemsim/parsim/internal/rt"
	"github.com/systemsim/parsim/internal/timebase"
	"github.com/systemsim/parsim/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML run configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.Run.Verbose > 0 {
		logrus.SetLevel(logrus.DebugLevel)
	}

	code, err := run(cfg)
	if err != nil {
		logrus.Fatalf("run failed: %v", err)
	}
	os.Exit(code)
}

func run(cfg *config.Config) (int, error) {
	ctx := context.Background()
	world := ids.RankInfo{Rank: cfg.Run.NumRanks, Thread: cfg.Run.NumThreads}
	me := ids.RankInfo{Rank: cfg.Run.MyRank, Thread: 0}

	var tp transport.Transport
	if cfg.Run.NumRanks > 1 {
		grpcTP, err := transport.NewGRPCTransport(ctx, int(cfg.Run.MyRank), int(cfg.Run.NumRanks),
			cfg.Transport.ListenAddr, cfg.Transport.CoordinatorAddr)
		if err != nil {
			return 1, fmt.Errorf("bringing up transport: %w", err)
		}
		tp = grpcTP
		defer grpcTP.Close()
	}

	g, err := buildGraph(cfg, world, me)
	if err != nil {
		return 1, err
	}

	sim, err := core.New(cfg, g, tp)
	if err != nil {
		return 1, err
	}

	registerRealTimeActions(cfg, sim)

	if cfg.Server.Enabled {
		var archive health.Pinger
		if cfg.Redis.Enabled {
			if a, err := checkpoint.NewArchive(cfg.Redis); err != nil {
				logrus.WithError(err).Warn("checkpoint archive unavailable")
			} else {
				archive = a
				defer a.Close()
			}
		}
		srv := health.NewServer(cfg.Server, health.NewChecker(sim, archive), sim)
		go func() {
			if err := srv.Run(); err != nil {
				logrus.WithError(err).Error("control plane stopped")
			}
		}()
	}

	return sim.Run(ctx)
}

// buildGraph loads the model (or checkpoint), validates, partitions and
// reduces the graph to this rank's share.
func buildGraph(cfg *config.Config, world, me ids.RankInfo) (*graph.ConfigGraph, error) {
	if cfg.Run.LoadCheckpoint != "" {
		restart, err := checkpoint.Load(cfg.Run.LoadCheckpoint, cfg, me.Rank, nil)
		if err != nil {
			return nil, err
		}
		logrus.WithField("sim_cycle", restart.Globals.CurrentSimCycle).Info("restarting from checkpoint")
		return restart.Graph, nil
	}

	if cfg.Run.ModelFile == "" {
		return nil, fmt.Errorf("no model file configured (PARSIM_MODEL_FILE)")
	}
	res, err := model.LoadFile(cfg.Run.ModelFile)
	if err != nil {
		return nil, err
	}
	g := res.Graph

	if err := g.CheckForStructuralErrors(); err != nil {
		return nil, fmt.Errorf("model has structural errors: %w", err)
	}

	tb, err := timebase.New(cfg.Run.Timebase)
	if err != nil {
		return nil, err
	}
	if err := g.PostCreationCleanup(tb); err != nil {
		return nil, err
	}

	if err := partition.Run(cfg.Run.Partitioner, g, world, me, cfg.Run.Verbose); err != nil {
		return nil, err
	}
	if err := g.CheckRanks(world); err != nil {
		return nil, err
	}

	if cfg.Run.OutputPartition {
		prefix := cfg.Run.OutputPrefix
		if prefix == "" {
			prefix = "parsim"
		}
		writePartitionDot(g, fmt.Sprintf("%s_partition.dot", prefix))
	}

	if world.Rank > 1 {
		if err := g.ReduceGraphToSingleRank(me.Rank); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func writePartitionDot(g *graph.ConfigGraph, path string) {
	f, err := os.Create(path)
	if err != nil {
		logrus.WithError(err).Warn("cannot write partition output")
		return
	}
	defer f.Close()
	if err := model.WriteDOT(f, g, model.DotFull); err != nil {
		logrus.WithError(err).Warn("partition output failed")
	}
}

// registerRealTimeActions wires the configured heartbeat and checkpoint
// periods into the real-time manager.
func registerRealTimeActions(cfg *config.Config, sim *core.Simulation) {
	rtm := sim.RealTime()
	if cfg.Run.HeartbeatWallPeriod > 0 {
		rtm.RegisterInterval(uint32(cfg.Run.HeartbeatWallPeriod), rt.NewHeartbeatAction(sim))
	}
	if cfg.Run.CheckpointWallPeriod > 0 {
		rtm.RegisterInterval(uint32(cfg.Run.CheckpointWallPeriod), rt.NewCheckpointAction(sim))
	}
}

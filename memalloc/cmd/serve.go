// Copyright 2024 The memalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cse330/memalloc/memalloc/cmd/util"
	"github.com/cse330/memalloc/memalloc/config"
	"github.com/cse330/memalloc/pkg/cleanup"
	"github.com/cse330/memalloc/pkg/control"
	"github.com/cse330/memalloc/pkg/control/server"
	"github.com/cse330/memalloc/pkg/log"
	"github.com/cse330/memalloc/pkg/memalloc"
	"github.com/cse330/memalloc/pkg/metric"
	"github.com/cse330/memalloc/pkg/mm"
	"github.com/cse330/memalloc/pkg/pgalloc"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	pidFile string
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "run the memalloc control channel"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [flags] - serves ALLOCATE and FREE requests on the control socket until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.pidFile, "pid-file", "", "filename that the service pid will be written to.")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	inst, err := start(conf, s.pidFile)
	if err != nil {
		return util.Errorf("starting memalloc: %v", err)
	}
	defer inst.stop()

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := inst.run(ctx); err != nil {
		return util.Errorf("serving: %v", err)
	}
	return subcommands.ExitSuccess
}

// instance is a live control channel: the instance lock, the memory file,
// the address spaces, the counters and the servers exposing them.
type instance struct {
	conf    *config.Config
	mf      *pgalloc.MemoryFile
	spaces  *mm.Registry
	service *memalloc.Service
	metrics *metric.Registry
	ctrl    *server.Server

	// metricsLn and httpServer are nil unless --metric-server is set.
	metricsLn  net.Listener
	httpServer *http.Server

	// cu tears down everything set up so far, in reverse order.
	cu cleanup.Cleanup
}

// start sets up an instance. Nothing is served until run is called. On
// failure, every step already taken is undone.
func start(conf *config.Config, pidFile string) (*instance, error) {
	if err := os.MkdirAll(conf.RootDir, 0711); err != nil {
		return nil, fmt.Errorf("error creating root directory %q: %w", conf.RootDir, err)
	}

	lock := flock.New(conf.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %w", conf.LockPath(), err)
	}
	if !locked {
		return nil, fmt.Errorf("another memalloc instance holds %q", conf.LockPath())
	}
	cu := cleanup.Make(func() {
		if err := lock.Unlock(); err != nil {
			log.Warningf("Releasing %q: %v", conf.LockPath(), err)
		}
	})
	defer cu.Clean()
	inst := &instance{conf: conf}

	log.Infof("Hello from memalloc! PID %d, root %q", os.Getpid(), conf.RootDir)

	if pidFile != "" {
		remove, err := writePidFile(pidFile, os.Getpid())
		if err != nil {
			return nil, err
		}
		cu.Add(remove)
	}

	inst.mf, err = pgalloc.Create("memalloc", pgalloc.MemoryFileOpts{Frames: uint32(conf.Frames)})
	if err != nil {
		return nil, fmt.Errorf("error creating memory file: %w", err)
	}
	cu.Add(inst.mf.Destroy)
	log.Infof("Allocated memory file: %v", inst.mf)

	inst.spaces = mm.NewRegistry()
	cu.Add(func() { inst.spaces.Release(inst.mf) })

	inst.metrics = metric.NewRegistry()
	inst.service = memalloc.NewService(inst.spaces, inst.mf, inst.metrics)
	inst.registerGauges()

	inst.ctrl, err = server.Create(conf.SocketPath())
	if err != nil {
		return nil, fmt.Errorf("error creating control server at %q: %w", conf.SocketPath(), err)
	}
	inst.ctrl.AllowUsers(conf.AllowUIDs...)
	inst.ctrl.Register(&control.Memalloc{Service: inst.service, Spaces: inst.spaces})
	inst.ctrl.Register(&control.Logging{})
	cu.Add(func() {
		inst.ctrl.Stop()
		log.Infof("Control device removed: %s", conf.SocketPath())
	})
	log.Infof("Control device added: %s", conf.SocketPath())

	if conf.MetricServer != "" {
		inst.metricsLn, err = net.Listen("tcp", conf.MetricServer)
		if err != nil {
			return nil, fmt.Errorf("error listening on metric server address %q: %w", conf.MetricServer, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", inst.metrics.Handler())
		inst.httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln := inst.metricsLn
		cu.Add(func() { ln.Close() })
		log.Infof("Metrics available at http://%s/metrics", ln.Addr())
	}

	// Everything is set up; from here on stop owns the teardown.
	inst.cu = cleanup.Make(cu.Release())
	return inst, nil
}

func (inst *instance) registerGauges() {
	inst.metrics.MustRegisterGauge("memalloc_frames_used", "Frames of the memory file backing mapped pages.", func() uint64 {
		used, _ := inst.mf.Usage()
		return uint64(used)
	})
	inst.metrics.MustRegisterGauge("memalloc_frames_total", "Frames in the memory file.", func() uint64 {
		_, total := inst.mf.Usage()
		return uint64(total)
	})
	inst.metrics.MustRegisterGauge("memalloc_memory_file_bytes", "Bytes the host spends on the memory file.", func() uint64 {
		n, err := inst.mf.TotalUsage()
		if err != nil {
			log.Warningf("Failed to stat memory file: %v", err)
			return 0
		}
		return n
	})
	inst.metrics.MustRegisterGauge("memalloc_address_spaces", "Address spaces with a root table.", func() uint64 {
		return uint64(len(inst.spaces.PIDs()))
	})
}

// metricsAddr returns the address the metrics endpoint listens on, or "".
func (inst *instance) metricsAddr() string {
	if inst.metricsLn == nil {
		return ""
	}
	return inst.metricsLn.Addr().String()
}

// run serves requests until ctx is done or a server fails.
func (inst *instance) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := inst.ctrl.StartServing(); err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		<-ctx.Done()
		return nil
	})
	if inst.httpServer != nil {
		g.Go(func() error {
			if err := inst.httpServer.Serve(inst.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metric server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return inst.httpServer.Shutdown(sctx)
		})
	}
	return g.Wait()
}

// stop tears the instance down in the reverse order of start.
func (inst *instance) stop() {
	stats := inst.service.Stats()
	inst.cu.Clean()
	log.Infof("Goodbye from memalloc! Served %d allocations, %d pages", stats.Allocations, stats.Pages)
}

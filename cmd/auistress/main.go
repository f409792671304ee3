// Command auistress drives signals across threads, the default worker pool
// and the default scheduler, and checks that nothing is delivered after a
// receiver is destroyed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aui-framework/aui-go/auicore/app"
	"github.com/aui-framework/aui-go/auicore/signals"
	"github.com/aui-framework/aui-go/auicore/thread"
	"github.com/aui-framework/aui-go/auicore/threadpool"
)

type options struct {
	receivers int
	emitters  int
	emissions int
	ticks     int
	tick      time.Duration
}

type report struct {
	Emitted      int64
	Delivered    int64
	Expected     int64
	AfterDestroy int64
	Ticks        int64
	Sum          int
}

type receiver struct {
	*signals.Object
	looper    *thread.Thread
	delivered *atomic.Int64
	destroyed atomic.Bool
	late      *atomic.Int64
}

func (r *receiver) onValue(int) {
	if r.destroyed.Load() {
		r.late.Add(1)
		return
	}
	r.delivered.Add(1)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	var opts options
	flag.IntVar(&opts.receivers, "receivers", 4, "number of receiver threads")
	flag.IntVar(&opts.emitters, "emitters", 8, "number of emitting pool tasks")
	flag.IntVar(&opts.emissions, "emissions", 1000, "emissions per emitter")
	flag.IntVar(&opts.ticks, "ticks", 5, "timer firings to wait for")
	flag.DurationVar(&opts.tick, "tick", 20*time.Millisecond, "timer period")
	flag.Parse()

	if err := runMain(*configPath, opts); err != nil {
		fmt.Fprintln(os.Stderr, "auistress:", err)
		os.Exit(1)
	}
}

func runMain(configPath string, opts options) (err error) {
	cfg := app.DefaultConfig()
	if configPath != "" {
		if cfg, err = app.LoadConfigFile(configPath); err != nil {
			return err
		}
	}
	if cfg, err = app.LoadConfigFromEnv(cfg); err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	r, err := run(context.Background(), a, opts)
	if err != nil {
		return err
	}
	a.Logger().Info("stress run finished",
		zap.Int64("emitted", r.Emitted),
		zap.Int64("delivered", r.Delivered),
		zap.Int64("expected", r.Expected),
		zap.Int64("after_destroy", r.AfterDestroy),
		zap.Int64("ticks", r.Ticks),
		zap.Int("sum", r.Sum))
	if r.Delivered != r.Expected || r.AfterDestroy != 0 {
		return errors.Errorf("delivered %d of %d, %d after destroy", r.Delivered, r.Expected, r.AfterDestroy)
	}
	return nil
}

func run(ctx context.Context, a *app.Context, opts options) (report, error) {
	var r report
	pool, err := a.Pool()
	if err != nil {
		return r, err
	}
	sched, err := a.Scheduler()
	if err != nil {
		return r, err
	}

	values := signals.NewSignal[int]()
	echoes := signals.NewSignal[int]()
	both := signals.NewCompositeSignal[int](values, echoes)

	var delivered, late atomic.Int64
	receivers := make([]*receiver, opts.receivers)
	for i := range receivers {
		looper := thread.NewLooper("receiver #" + strconv.Itoa(i+1))
		rc := &receiver{
			Object:    signals.NewObjectOn(looper),
			looper:    looper,
			delivered: &delivered,
			late:      &late,
		}
		both.Connect(rc, rc.onValue)
		receivers[i] = rc
	}
	defer func() {
		for _, rc := range receivers {
			rc.looper.Interrupt()
			_ = rc.looper.Join()
		}
	}()

	var ticks atomic.Int64
	ticked := make(chan struct{})
	tickSignal := signals.NewSignal[time.Time]()
	tickObserver := signals.NewObjectOn(nil)
	tickSignal.ConnectControl(tickObserver, func(time.Time) signals.Control {
		if ticks.Add(1) == int64(opts.ticks) {
			close(ticked)
			return signals.Disconnect
		}
		return signals.Keep
	})
	timer := sched.Timer(opts.tick, func() { tickSignal.Emit(time.Now()) })
	defer sched.RemoveTimer(timer)

	var emitted atomic.Int64
	err = pool.Fence(ctx, func(run threadpool.Runner) {
		for i := 0; i < opts.emitters; i++ {
			_ = run(func(context.Context) error {
				for j := 0; j < opts.emissions; j++ {
					both.Emit(j)
					emitted.Add(1)
				}
				return nil
			}, threadpool.Medium)
		}
	})
	if err != nil {
		return r, errors.Wrap(err, "wait for emitters")
	}

	// Each looper runs its pending deliveries before the destroy message.
	for _, rc := range receivers {
		destroyed := make(chan struct{})
		rc.looper.Enqueue(func() {
			rc.Destroy()
			rc.destroyed.Store(true)
			close(destroyed)
		})
		<-destroyed
	}
	both.Emit(-1)
	for _, rc := range receivers {
		flushed := make(chan struct{})
		rc.looper.Enqueue(func() { close(flushed) })
		<-flushed
	}

	items := make([]int, 1000)
	for i := range items {
		items[i] = i + 1
	}
	sums, err := threadpool.Parallel(pool, items, func(_ context.Context, chunk []int) (int, error) {
		total := 0
		for _, v := range chunk {
			total += v
		}
		return total, nil
	}).Wait(ctx)
	if err != nil {
		return r, errors.Wrap(err, "parallel sum")
	}
	for _, s := range sums {
		r.Sum += s
	}

	if opts.ticks > 0 {
		select {
		case <-ticked:
		case <-ctx.Done():
			return r, ctx.Err()
		}
	}
	runtime.KeepAlive(tickObserver)

	r.Emitted = emitted.Load()
	r.Delivered = delivered.Load()
	r.Expected = r.Emitted * 2 * int64(opts.receivers)
	r.AfterDestroy = late.Load()
	r.Ticks = ticks.Load()
	return r, nil
}

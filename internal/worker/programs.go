package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/log"
)

// Program is a worker body. It registers callbacks on r and runs it until
// the channel closes or ctx is done.
type Program func(ctx context.Context, r *EventRouter) error

// DefaultLoadInterval is the tick period of the Load program.
const DefaultLoadInterval = time.Second / 60

// Ping answers "first" and "last" with an event of the same name carrying
// {"success": true}. It exits after answering "last".
func Ping(ctx context.Context, r *EventRouter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.On("first", func(envelope.Data) {
		if err := r.Emit("first", envelope.Data{"success": true}); err != nil {
			log.ErrorErr(log.CatWorker, "emit failed", err, "event", "first")
		}
	})
	r.On("last", func(envelope.Data) {
		if err := r.Emit("last", envelope.Data{"success": true}); err != nil {
			log.ErrorErr(log.CatWorker, "emit failed", err, "event", "last")
		}
		cancel()
	})

	return ignoreCancel(r.Run(ctx))
}

// Load emits {"event":"load","count":n} every DefaultLoadInterval between a
// "start" and a "stop" event. count keeps increasing across restarts.
func Load(ctx context.Context, r *EventRouter) error {
	return LoadEvery(DefaultLoadInterval)(ctx, r)
}

// LoadEvery is Load with a custom tick period.
func LoadEvery(interval time.Duration) Program {
	return func(ctx context.Context, r *EventRouter) error {
		var (
			mu    sync.Mutex
			count int
			stop  context.CancelFunc
		)

		halt := func() {
			if stop != nil {
				stop()
				stop = nil
			}
		}

		r.On("start", func(envelope.Data) {
			mu.Lock()
			defer mu.Unlock()
			if stop != nil {
				return
			}
			tickCtx, cancel := context.WithCancel(ctx)
			stop = cancel
			log.SafeGo("worker.load", func() {
				t := time.NewTicker(interval)
				defer t.Stop()
				for {
					select {
					case <-tickCtx.Done():
						return
					case <-t.C:
						mu.Lock()
						count++
						n := count
						mu.Unlock()
						if err := r.Emit("load", envelope.Data{"count": n}); err != nil {
							log.ErrorErr(log.CatWorker, "emit failed", err, "event", "load")
							return
						}
					}
				}
			})
		})
		r.On("stop", func(envelope.Data) {
			mu.Lock()
			defer mu.Unlock()
			halt()
		})

		err := r.Run(ctx)
		mu.Lock()
		halt()
		mu.Unlock()
		return ignoreCancel(err)
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package pool

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/Swind/go-worker-threads/protocol"
	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/worker"
)

// SpawnLocal returns a SpawnFunc starting in-process workers that run main.
// Messages cross the worker boundary through the JSON codec so that workers
// share no memory with the controller.
func SpawnLocal(main worker.MainFunc, opts ...rpc.Option) SpawnFunc {
	return func(ctx context.Context, workerID int) (*rpc.Proxy, error) {
		w := worker.NewLocal(main, worker.WithCodec(protocol.NewJSONCodec()))
		return rpc.Spawn(ctx, w, opts...)
	}
}

// SpawnProcess returns a SpawnFunc starting one child process per worker.
// newCmd builds a fresh, unstarted command for each worker id.
func SpawnProcess(newCmd func(workerID int) *exec.Cmd, opts ...rpc.Option) SpawnFunc {
	return func(ctx context.Context, workerID int) (*rpc.Proxy, error) {
		w, err := worker.StartProcess(newCmd(workerID))
		if err != nil {
			return nil, fmt.Errorf("start worker %d: %w", workerID, err)
		}
		return rpc.Spawn(ctx, w, opts...)
	}
}

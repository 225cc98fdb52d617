// Package threads runs functions on isolated workers and calls them like
// local functions.
//
// A worker exposes either a single function or a module of named functions.
// The controller side spawns it and gets back a Proxy whose calls travel as
// messages: nothing is shared, arguments and results go through a
// serialization registry. Calls return a Stream, which settles like a
// promise on the first value but can also carry many values.
//
// A Pool keeps a fixed set of workers and hands queued tasks to whichever
// is idle, in FIFO order. Tasks can be canceled while queued; the pool
// reports every transition as an Event.
//
// # Quick Start
//
// Expose functions inside the worker:
//
//	func serve(ctx context.Context, ep worker.Endpoint) error {
//		return threads.Expose(ep, threads.Module{
//			"add": func(ctx context.Context, args ...any) (any, error) {
//				a, _ := serial.As[int](args[0])
//				b, _ := serial.As[int](args[1])
//				return a + b, nil
//			},
//		})
//	}
//
// Run tasks on a pool of such workers:
//
//	p, err := threads.NewPool(ctx, serve, 4)
//	if err != nil {
//		return err
//	}
//	defer p.Terminate(context.Background(), false)
//
//	task, _ := p.Queue(func(ctx context.Context, w *threads.Lease) (any, error) {
//		return w.Invoke(ctx, "add", 1, 2)
//	})
//	sum, err := task.Await(ctx)
//
// Workers may also be child processes speaking length-prefixed frames over
// stdio; see pool.SpawnProcess and worker.ServeStdio.
//
// # Packages
//
//	stream    - multi-value observable with a promise facade
//	serial    - serializer registry for values crossing the worker boundary
//	protocol  - messages, codecs and frames
//	worker    - in-process and process-backed workers
//	rpc       - Expose on the worker side, Spawn/Proxy on the controller side
//	pool      - FIFO scheduler over a fixed set of workers
//	core      - event loop, errors, logging, metrics interfaces
package threads

// Package scheduler runs the bounded-concurrency launch and harvest loop.
//
// Each cycle drains observer commands, admits pending instances while there
// is a free slot, waits one check interval, then harvests exited processes.
// The snapshot is rewritten once after any step that changed a queue.
//
// An attempt counts as a success only when the process exit code is zero
// AND the handle reports experiment.StatusFinished. The bundled experiment
// wrapper sets Finished itself before Poll reports the exit, so plain shell
// commands work. A custom launcher whose handles never reach Finished will
// have every attempt classified as failed.
package scheduler

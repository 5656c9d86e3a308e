// Command tinyclawd runs TinyClaw's queue-processor daemon: it polls a
// FileQueue, routes and schedules work across configured agents, and
// commits responses back to disk for channel adapters to deliver.
package main

func main() {
	Execute()
}

// Package bootstrap creates containers whose launch configuration depends on
// auxiliary resources provisioned just before they are created.
//
// A Runner drives one descriptor through its lifecycle: it reserves host
// ports for the declared internal ports, runs an optional pre-creation hook,
// then creates and starts the container. An Orchestrator is the hook for
// services with a dependency slot: it either points the service at a
// caller-supplied dependency or starts one on a shared network, registering
// everything it creates under a key unique to that bootstrap so that
// Started.Stop (or a failed bootstrap) releases it and nothing else.
//
//	runner, _ := bootstrap.NewRunner(bootstrap.RunnerConfig{Engine: cli, Ports: alloc})
//	orch, _ := bootstrap.NewOrchestrator(runner, kafka.Profile())
//	started, err := runner.Start(ctx, descriptor, orch)
//	defer started.Stop(ctx)
package bootstrap

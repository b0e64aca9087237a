// Package listeners computes the listener strings a broker-style service
// needs before it is created.
//
// Such a service advertises two listeners: one reachable from the host via
// the engine's published port, and one reachable from peer containers on the
// shared network via the container's name. All functions are pure.
//
//	plan, err := listeners.Plan(listeners.KafkaDefaults(), "localhost", "broker-1", bound)
//	// plan.Bind       == "EXTERNAL_LISTENER://0.0.0.0:9093,BROKER://0.0.0.0:9092"
//	// plan.Advertised == "EXTERNAL_LISTENER://localhost:49153,BROKER://broker-1:9092"
package listeners

// Package kafka describes a single Kafka broker whose ZooKeeper is either
// started alongside it or supplied by the caller.
//
//	started, err := kafka.Start(ctx, runner)
//	if err != nil { ... }
//	defer started.Stop(ctx)
//	servers, _ := started.BootstrapServers()
package kafka

import (
	"context"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/listeners"
	"github.com/artpar/stackup/internal/modules/zookeeper"
	"github.com/artpar/stackup/internal/shell/bootstrap"
)

const (
	DefaultImage = "confluentinc/cp-kafka"
	DefaultTag   = "latest"

	// Port is the internal port published to the host.
	Port = 9093
	// BrokerPort is the listener peers on the shared network connect to.
	BrokerPort = 9092
)

// Launch variables the orchestrator fills in before the broker is created.
const (
	EnvListeners        = "KAFKA_LISTENERS"
	EnvAdvertised       = "KAFKA_ADVERTISED_LISTENERS"
	EnvZooKeeperConnect = "KAFKA_ZOOKEEPER_CONNECT"
)

var baseEnv = map[string]string{
	"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "BROKER:PLAINTEXT,EXTERNAL_LISTENER:PLAINTEXT,PLAINTEXT:PLAINTEXT",
	"KAFKA_INTER_BROKER_LISTENER_NAME":       "BROKER",
	"KAFKA_BROKER_ID":                        "1",
	"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
	"KAFKA_CONFLUENT_SUPPORT_METRICS_ENABLE": "false",
}

// =============================================================================
// Options
// =============================================================================

type options struct {
	image       string
	tag         string
	host        string
	zkHost      string
	zkPort      int
	networkMode string
	env         map[string]string
}

// Option configures a broker descriptor.
type Option func(*options)

// WithImage overrides the broker image and tag.
func WithImage(image, tag string) Option {
	return func(o *options) {
		if image != "" {
			o.image = image
		}
		if tag != "" {
			o.tag = tag
		}
	}
}

// WithHost sets the container name, which is also the hostname advertised
// on the broker listener. Without it the runner assigns a fresh identifier.
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithZooKeeper points the broker at an existing ZooKeeper instead of
// starting one.
func WithZooKeeper(host string, port int) Option {
	return func(o *options) {
		o.zkHost = host
		o.zkPort = port
	}
}

// WithNetworkMode attaches the broker, and a started ZooKeeper, to an
// existing network.
func WithNetworkMode(mode string) Option {
	return func(o *options) { o.networkMode = mode }
}

// WithEnv adds an environment variable, overriding the base value if set.
func WithEnv(key, value string) Option {
	return func(o *options) {
		if o.env == nil {
			o.env = make(map[string]string)
		}
		o.env[key] = value
	}
}

// =============================================================================
// Descriptor & Profile
// =============================================================================

// New returns a broker descriptor.
func New(opts ...Option) *domain.Descriptor {
	o := options{image: DefaultImage, tag: DefaultTag}
	for _, opt := range opts {
		opt(&o)
	}

	d := domain.NewDescriptor(o.image, o.tag).WithExposedPorts(Port)
	for k, v := range baseEnv {
		d.WithEnv(k, v)
	}
	for k, v := range o.env {
		d.WithEnv(k, v)
	}
	if o.host != "" {
		d.WithName(o.host)
	}
	if o.networkMode != "" {
		d.WithNetworkMode(o.networkMode)
	}
	if o.zkHost != "" || o.zkPort != 0 {
		d.WithExternalDependency(o.zkHost, o.zkPort)
	}
	return d
}

// Profile wires broker listeners and a ZooKeeper dependency.
func Profile() bootstrap.Profile {
	return bootstrap.Profile{
		Listeners:     listeners.KafkaDefaults(),
		ListenersKey:  EnvListeners,
		AdvertisedKey: EnvAdvertised,
		ConnectKey:    EnvZooKeeperConnect,
		NewDependency: zookeeper.New,
	}
}

// =============================================================================
// Started Broker
// =============================================================================

// Container is a running broker.
type Container struct {
	*bootstrap.Started
}

// Start bootstraps a broker through runner.
func Start(ctx context.Context, runner *bootstrap.Runner, opts ...Option) (*Container, error) {
	orch, err := bootstrap.NewOrchestrator(runner, Profile())
	if err != nil {
		return nil, err
	}
	started, err := runner.Start(ctx, New(opts...), orch)
	if err != nil {
		return nil, err
	}
	return &Container{Started: started}, nil
}

// BootstrapServers returns the host-reachable broker address.
func (c *Container) BootstrapServers() (string, error) {
	return BootstrapServers(c.Started)
}

// ZooKeeperConnect returns the connect string the broker was started with.
func (c *Container) ZooKeeperConnect() string {
	return c.Descriptor().Env()[EnvZooKeeperConnect]
}

// InternalAddress returns the broker address for peers on its network.
func (c *Container) InternalAddress() string {
	return listeners.InternalAddress(listeners.KafkaDefaults(), c.Name())
}

// AdvertisedListeners returns the listeners the broker advertises to clients.
func (c *Container) AdvertisedListeners() ([]listeners.Listener, error) {
	return listeners.ParseAdvertised(c.Descriptor().Env()[EnvAdvertised])
}

// BootstrapServers returns <engine host>:<host port bound to 9093>.
func BootstrapServers(started *bootstrap.Started) (string, error) {
	port, err := started.MappedPort(Port)
	if err != nil {
		return "", err
	}
	return domain.JoinHostPort(started.Host(), port), nil
}

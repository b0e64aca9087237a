package listeners

import (
	"fmt"
	"strings"

	"github.com/artpar/stackup/internal/core/domain"
)

// =============================================================================
// Listener Types
// =============================================================================

// Listener is one NAME://host:port entry.
type Listener struct {
	Name string
	Host string
	Port int
}

// String renders the listener as NAME://host:port.
func (l Listener) String() string {
	return fmt.Sprintf("%s://%s", l.Name, domain.JoinHostPort(l.Host, l.Port))
}

// Join renders listeners as a comma separated list.
func Join(ls ...Listener) string {
	parts := make([]string, 0, len(ls))
	for _, l := range ls {
		parts = append(parts, l.String())
	}
	return strings.Join(parts, ",")
}

// Config names the two listeners and their container-side ports.
type Config struct {
	ExternalName string // reached from the host through a published port
	ExternalPort int
	InternalName string // reached from peers on the shared network
	InternalPort int
	BindHost     string
}

// KafkaDefaults returns the listener layout of the Confluent Kafka image.
func KafkaDefaults() Config {
	return Config{
		ExternalName: "EXTERNAL_LISTENER",
		ExternalPort: 9093,
		InternalName: "BROKER",
		InternalPort: 9092,
		BindHost:     "0.0.0.0",
	}
}

// Result holds the computed listener values.
type Result struct {
	Bind       string
	Advertised string
}

// =============================================================================
// Planning
// =============================================================================

// Plan computes the bind and advertised listener lists.
//
// The external listener is advertised on engineHost at the host port bound to
// cfg.ExternalPort; the internal listener is advertised on ownerName, which
// peers on the shared network resolve to the container.
func Plan(cfg Config, engineHost, ownerName string, bound domain.BoundPorts) (Result, error) {
	if ownerName == "" {
		return Result{}, fmt.Errorf("plan listeners: owner has no name")
	}
	hostPort, err := bound.Lookup(cfg.ExternalPort)
	if err != nil {
		return Result{}, fmt.Errorf("plan listeners: %w", err)
	}

	bindHost := cfg.BindHost
	if bindHost == "" {
		bindHost = "0.0.0.0"
	}

	return Result{
		Bind: Join(
			Listener{Name: cfg.ExternalName, Host: bindHost, Port: cfg.ExternalPort},
			Listener{Name: cfg.InternalName, Host: bindHost, Port: cfg.InternalPort},
		),
		Advertised: Join(
			Listener{Name: cfg.ExternalName, Host: engineHost, Port: hostPort},
			Listener{Name: cfg.InternalName, Host: ownerName, Port: cfg.InternalPort},
		),
	}, nil
}

// InternalAddress returns the address peers use to reach the owner.
func InternalAddress(cfg Config, ownerName string) string {
	return domain.JoinHostPort(ownerName, cfg.InternalPort)
}

// ParseAdvertised splits an advertised listener list back into listeners.
func ParseAdvertised(s string) ([]Listener, error) {
	if s == "" {
		return nil, nil
	}
	var out []Listener
	for _, part := range strings.Split(s, ",") {
		name, addr, ok := strings.Cut(part, "://")
		if !ok {
			return nil, fmt.Errorf("listener %q: missing scheme", part)
		}
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			return nil, fmt.Errorf("listener %q: missing port", part)
		}
		var port int
		if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
			return nil, fmt.Errorf("listener %q: bad port: %w", part, err)
		}
		host := strings.TrimSuffix(strings.TrimPrefix(addr[:idx], "["), "]")
		out = append(out, Listener{Name: name, Host: host, Port: port})
	}
	return out, nil
}

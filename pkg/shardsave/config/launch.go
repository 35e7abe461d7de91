package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidLaunch indicates a launch configuration that cannot start a save.
var ErrInvalidLaunch = errors.New("invalid launch configuration")

// Environment variables read by ApplyEnv. The names follow the usual
// distributed launcher conventions so existing launch scripts work.
const (
	EnvRank            = "RANK"
	EnvWorldSize       = "WORLD_SIZE"
	EnvMasterAddr      = "MASTER_ADDR"
	EnvMasterPort      = "MASTER_PORT"
	EnvCoordinatorRank = "COORDINATOR_RANK"
)

// Launch describes how one rank joins a save.
//
// Example YAML:
//
//	rank: 0
//	world_size: 4
//	rendezvous:
//	  addr: http://10.0.0.1:29500
//	  listen: ":29500"
//	  timeout: 10m
//	storage:
//	  kind: filesystem
//	  path: /mnt/checkpoints
//	  threads: 4
//	log:
//	  level: debug
//	  format: json
//	metrics: true
type Launch struct {
	Rank            int
	WorldSize       int
	CoordinatorRank int
	NoDistribution  bool

	Rendezvous RendezvousConfig
	Storage    StorageConfig
	Log        LogConfig

	Metrics bool
	Tracing bool
}

// RendezvousConfig locates the rendezvous server.
type RendezvousConfig struct {
	// Addr is the base URL every rank talks to.
	Addr string
	// Listen is the address the coordinator's process serves on.
	Listen string
	// Timeout bounds a whole save. Zero means no limit.
	Timeout time.Duration
}

// StorageConfig selects a storage sink by kind.
type StorageConfig struct {
	Kind    string
	Path    string
	Threads int
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string
	// Format is json or text.
	Format string
}

// DefaultLaunch returns a single-rank launch writing to memory.
func DefaultLaunch() Launch {
	return Launch{
		WorldSize: 1,
		Storage:   StorageConfig{Kind: "memory", Threads: 1},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// LaunchFromConfig reads a Launch from cfg, starting from DefaultLaunch.
func LaunchFromConfig(cfg Config) Launch {
	l := DefaultLaunch()
	l.Rank = cfg.Int("rank", l.Rank)
	l.WorldSize = cfg.Int("world_size", l.WorldSize)
	l.CoordinatorRank = cfg.Int("coordinator_rank", l.CoordinatorRank)
	l.NoDistribution = cfg.Bool("no_distribution", l.NoDistribution)

	rdzv := cfg.Section("rendezvous")
	l.Rendezvous.Addr = rdzv.String("addr", l.Rendezvous.Addr)
	l.Rendezvous.Listen = rdzv.String("listen", l.Rendezvous.Listen)
	l.Rendezvous.Timeout = rdzv.Duration("timeout", l.Rendezvous.Timeout)

	st := cfg.Section("storage")
	l.Storage.Kind = st.String("kind", l.Storage.Kind)
	l.Storage.Path = st.String("path", l.Storage.Path)
	l.Storage.Threads = st.Int("threads", l.Storage.Threads)

	l.Log.Level = cfg.String("log.level", l.Log.Level)
	l.Log.Format = cfg.String("log.format", l.Log.Format)

	l.Metrics = cfg.Bool("metrics", l.Metrics)
	l.Tracing = cfg.Bool("tracing", l.Tracing)
	return l
}

// ApplyEnv overrides fields from launcher environment variables.
// MASTER_ADDR and MASTER_PORT together replace the rendezvous address;
// MASTER_PORT alone also sets the listen address when none is configured.
func (l *Launch) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		name string
		dst  *int
	}{
		{EnvRank, &l.Rank},
		{EnvWorldSize, &l.WorldSize},
		{EnvCoordinatorRank, &l.CoordinatorRank},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidLaunch, e.name, v)
		}
		*e.dst = n
	}

	addr, hasAddr := lookup(EnvMasterAddr)
	port, hasPort := lookup(EnvMasterPort)
	if hasPort && port != "" {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalidLaunch, EnvMasterPort, port)
		}
		if hasAddr && addr != "" {
			l.Rendezvous.Addr = "http://" + net.JoinHostPort(addr, port)
		}
		if l.Rendezvous.Listen == "" {
			l.Rendezvous.Listen = ":" + port
		}
	}
	return nil
}

// Validate checks that the launch can start a save.
func (l Launch) Validate() error {
	var problems []string
	if l.WorldSize < 1 {
		problems = append(problems, fmt.Sprintf("world_size %d < 1", l.WorldSize))
	}
	if l.Rank < 0 || l.Rank >= l.WorldSize {
		problems = append(problems, fmt.Sprintf("rank %d outside world of %d", l.Rank, l.WorldSize))
	}
	if l.CoordinatorRank < 0 || l.CoordinatorRank >= l.WorldSize {
		problems = append(problems, fmt.Sprintf("coordinator_rank %d outside world of %d", l.CoordinatorRank, l.WorldSize))
	}
	if l.Distributed() && l.Rendezvous.Addr == "" {
		problems = append(problems, "rendezvous.addr required for more than one rank")
	}
	if l.Storage.Kind == "" {
		problems = append(problems, "storage.kind required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidLaunch, strings.Join(problems, "; "))
	}
	return nil
}

// Distributed reports whether the launch needs a process group.
func (l Launch) Distributed() bool {
	return !l.NoDistribution && l.WorldSize > 1
}

// IsCoordinator reports whether this rank coordinates, and so hosts the
// rendezvous server.
func (l Launch) IsCoordinator() bool {
	return l.Rank == l.CoordinatorRank
}

// Logger builds a slog.Logger writing to w per the Log settings.
func (l Launch) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if l.Log.Level != "" {
		if err := level.UnmarshalText([]byte(l.Log.Level)); err != nil {
			return nil, fmt.Errorf("%w: log.level: %v", ErrInvalidLaunch, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(l.Log.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("%w: log.format %q", ErrInvalidLaunch, l.Log.Format)
	}
	return slog.New(h), nil
}

// LoadLaunch reads a launch file, applies the process environment and
// validates the result.
func LoadLaunch(path string) (Launch, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return Launch{}, err
	}
	l := LaunchFromConfig(cfg)
	if err := l.ApplyEnv(os.LookupEnv); err != nil {
		return Launch{}, err
	}
	if err := l.Validate(); err != nil {
		return Launch{}, err
	}
	return l, nil
}

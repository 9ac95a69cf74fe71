// Package runtime adapts the container engine (C1, spec.md §4.1) to a
// single narrow interface the rest of the orchestrator depends on, in the
// same spirit as the engineclient.EngineClient adapter seen across the
// example pack's container-watching tools (e.g.
// thediveo-whalewatcher/watcher.go wraps a raw docker client behind a
// small interface rather than leaking the SDK everywhere). Backed by
// github.com/docker/docker/client and github.com/docker/go-connections/nat
// for port-binding specs.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ErrUnavailable wraps any error reaching the container engine, so callers
// can distinguish "engine down" from "request rejected" (spec.md §7).
type ErrUnavailable struct {
	Op  string
	Err error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("runtime unavailable during %s: %v", e.Op, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

// PortBinding requests a container port be published to a host port.
// ContainerPort uses the "port/proto" nat.Port syntax, e.g. "6878/tcp".
type PortBinding struct {
	ContainerPort string
	HostIP        string
	HostPort      int
}

// CreateSpec describes an engine container to create.
type CreateSpec struct {
	Name         string
	Image        string
	Env          []string
	Labels       map[string]string
	Ports        []PortBinding
	NetworkMode  string // e.g. "container:<vpn-container-id>" for VPN-routed engines
	Cmd          []string
}

// Container is the subset of inspect/list data the orchestrator needs.
type Container struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
	State  string // "running", "exited", "created", ...
	// Health is Docker's HEALTHCHECK status ("starting", "healthy",
	// "unhealthy"), or "" if the image defines no healthcheck. Only
	// populated by Inspect; a "running but unhealthy" container is the
	// signal the VPN supervisor's double-check step (spec.md §4.4 step 3)
	// exists for.
	Health string
	Ports  map[string]int
}

// Engine is the narrow container-runtime surface the rest of the
// orchestrator programs against: create, start, stop, remove, inspect,
// list_managed and exec. It has no batched container-stats call.
type Engine interface {
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Container, error)
	ListManaged(ctx context.Context, labelKey, labelValue string) ([]Container, error)
	Exec(ctx context.Context, id string, cmd []string) (string, error)
	Close() error
}

// dockerEngine is the default Engine backed by the real Docker daemon.
type dockerEngine struct {
	cli *dockerclient.Client
}

// NewDockerEngine dials the local Docker daemon using the standard
// DOCKER_HOST/DOCKER_* environment conventions.
func NewDockerEngine() (Engine, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &ErrUnavailable{Op: "dial", Err: err}
	}
	return &dockerEngine{cli: cli}, nil
}

func (e *dockerEngine) Create(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pb := range spec.Ports {
		p, err := nat.NewPort(portProto(pb.ContainerPort), portNumber(pb.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid container port %q: %w", pb.ContainerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = append(bindings[p], nat.PortBinding{
			HostIP:   pb.HostIP,
			HostPort: fmt.Sprintf("%d", pb.HostPort),
		})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		Cmd:          spec.Cmd,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
	}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", &ErrUnavailable{Op: "create", Err: err}
	}
	return resp.ID, nil
}

func portProto(containerPort string) string {
	if idx := strings.IndexByte(containerPort, '/'); idx >= 0 {
		return containerPort[idx+1:]
	}
	return "tcp"
}

func portNumber(containerPort string) string {
	if idx := strings.IndexByte(containerPort, '/'); idx >= 0 {
		return containerPort[:idx]
	}
	return containerPort
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return &ErrUnavailable{Op: "start", Err: err}
	}
	return nil
}

func (e *dockerEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return &ErrUnavailable{Op: "stop", Err: err}
	}
	return nil
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return &ErrUnavailable{Op: "remove", Err: err}
	}
	return nil
}

func (e *dockerEngine) Inspect(ctx context.Context, id string) (Container, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Container{}, errors.New("container not found")
		}
		return Container{}, &ErrUnavailable{Op: "inspect", Err: err}
	}

	ports := map[string]int{}
	if info.NetworkSettings != nil {
		for containerPort, bindings := range info.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			var n int
			fmt.Sscanf(bindings[0].HostPort, "%d", &n)
			ports[string(containerPort)] = n
		}
	}

	state := "unknown"
	health := ""
	if info.State != nil {
		state = info.State.Status
		if info.State.Health != nil {
			health = info.State.Health.Status
		}
	}

	return Container{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Image:  info.Config.Image,
		Labels: info.Config.Labels,
		State:  state,
		Health: health,
		Ports:  ports,
	}, nil
}

func (e *dockerEngine) ListManaged(ctx context.Context, labelKey, labelValue string) ([]Container, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", labelKey, labelValue))
	list, err := e.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, &ErrUnavailable{Op: "list", Err: err}
	}

	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Labels: c.Labels,
			State:  c.State,
		})
	}
	return out, nil
}

func (e *dockerEngine) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	execResp, err := e.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", &ErrUnavailable{Op: "exec_create", Err: err}
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return "", &ErrUnavailable{Op: "exec_attach", Err: err}
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", &ErrUnavailable{Op: "exec_read", Err: err}
	}
	return string(out), nil
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}

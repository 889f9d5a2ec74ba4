// Package compiler performs the hermetic, containerized build step a
// worker runs before it can execute a repository: pull the build image,
// start a throwaway container, clone+checkout the requested commit inside
// it, cross-compile to the requested WASM target, and extract the result.
// Grounded on original_source/worker/src/compiler/{mod,docker,wasm32_wasip1,
// wasm32_wasip2}.rs, using github.com/docker/docker/client (bollard's Go
// counterpart, already a require of this module) for every container
// operation instead of shelling out to the docker CLI.
package compiler

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/fastnear/near-outlayer-sub001/internal/xlog"
)

// Result is a completed hermetic build.
type Result struct {
	Wasm          []byte
	CompileTimeMs uint64
}

// Compiler drives Docker-based compilation for a single worker process. One
// Compiler owns one Docker client and is safe for concurrent Compile calls;
// each call gets its own container.
type Compiler struct {
	docker        *client.Client
	image         string
	memoryLimitMB int64
	cpuLimit      float64
	log           *xlog.Logger
}

// New connects to the local Docker daemon (respecting DOCKER_HOST etc. via
// client.FromEnv, matching bollard's connect_with_socket_defaults) and
// negotiates an API version.
func New(dockerImage string, memoryLimitMB int64, cpuLimit float64) (*Compiler, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("compiler: connecting to docker: %w", err)
	}
	return &Compiler{
		docker:        cli,
		image:         dockerImage,
		memoryLimitMB: memoryLimitMB,
		cpuLimit:      cpuLimit,
		log:           xlog.New("compiler"),
	}, nil
}

// Compile builds repo@commit for buildTarget inside a fresh container and
// returns the extracted WASM bytes. The container is always removed, even
// on failure.
func (c *Compiler) Compile(ctx context.Context, repo, commit, buildTarget string) (Result, error) {
	script, err := scriptFor(buildTarget)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()

	if err := c.ensureImage(ctx); err != nil {
		return Result{}, err
	}

	name := "near-outlayer-compile-" + uuid.NewString()
	containerID, err := c.createContainer(ctx, name, repo, commit, buildTarget)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.cleanupContainer(cleanupCtx, containerID); err != nil {
			c.log.Warn("failed cleaning up compile container", "container_id", containerID, "err", err)
		}
	}()

	if err := c.execScript(ctx, containerID, script); err != nil {
		return Result{}, err
	}

	wasm, err := c.extractFile(ctx, containerID, "/workspace/output/output.wasm")
	if err != nil {
		return Result{}, err
	}

	elapsed := time.Since(start)
	c.log.Info("compilation complete", "repo", repo, "commit", commit, "build_target", buildTarget,
		"bytes", len(wasm), "elapsed", elapsed)
	return Result{Wasm: wasm, CompileTimeMs: uint64(elapsed.Milliseconds())}, nil
}

func (c *Compiler) ensureImage(ctx context.Context) error {
	rc, err := c.docker.ImagePull(ctx, c.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("compiler: pulling image %s: %w", c.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("compiler: reading image pull output: %w", err)
	}
	return nil
}

func (c *Compiler) createContainer(ctx context.Context, name, repo, commit, buildTarget string) (string, error) {
	cfg := &container.Config{
		Image:      c.image,
		Cmd:        []string{"sleep", "600"},
		WorkingDir: "/workspace",
		Env: []string{
			"REPO=" + repo,
			"COMMIT=" + commit,
			"BUILD_TARGET=" + buildTarget,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode("bridge"),
		Resources: container.Resources{
			Memory:   c.memoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(c.cpuLimit * 1_000_000_000),
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("compiler: creating container: %w", err)
	}
	if err := c.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("compiler: starting container: %w", err)
	}
	return resp.ID, nil
}

// execScript runs script in the container via sh -c, collecting stdout and
// stderr separately so a non-zero exit can be reported with the relevant
// tail of output (spec §4.9's compilation_note comes from this).
func (c *Compiler) execScript(ctx context.Context, containerID, script string) error {
	execCfg := types.ExecConfig{
		Cmd:          []string{"sh", "-c", script},
		AttachStdout: true,
		AttachStderr: true,
	}
	exec, err := c.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return fmt.Errorf("compiler: creating exec: %w", err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return fmt.Errorf("compiler: attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return fmt.Errorf("compiler: reading exec output: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("compiler: inspecting exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("compiler: build script exited %d: %s", inspect.ExitCode, tailOf(stderr.String(), stdout.String()))
	}
	return nil
}

// tailOf returns a bounded, readable error summary favoring stderr's tail
// over stdout's, mirroring original_source's extract_compilation_error.
func tailOf(stderr, stdout string) string {
	const maxLen = 4000
	s := stderr
	if s == "" {
		s = stdout
	}
	if len(s) > maxLen {
		s = s[len(s)-maxLen:]
	}
	return s
}

// extractFile copies a single file out of the container via the tar stream
// the Engine API returns for CopyFromContainer.
func (c *Compiler) extractFile(ctx context.Context, containerID, path string) ([]byte, error) {
	rc, _, err := c.docker.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, fmt.Errorf("compiler: copying %s from container: %w", path, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("compiler: reading tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("compiler: reading %s from tar: %w", hdr.Name, err)
		}
		if len(data) > 0 {
			return data, nil
		}
	}
	return nil, fmt.Errorf("compiler: %s not found in container output", path)
}

func (c *Compiler) cleanupContainer(ctx context.Context, containerID string) error {
	_ = c.docker.ContainerStop(ctx, containerID, container.StopOptions{})
	return c.docker.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
}

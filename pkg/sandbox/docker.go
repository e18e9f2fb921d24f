package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"skillruntime/pkg/models"
)

// DockerEngine talks to the Docker Engine REST API over a Unix domain
// socket. No Docker SDK is used: every call is a hand-rolled HTTP request,
// matching the rest of this codebase's preference for stdlib net/http
// clients over generated or vendored API bindings.
type DockerEngine struct {
	httpClient *http.Client
	apiVersion string
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine dials the Docker daemon's Unix socket (default
// /var/run/docker.sock) and returns an Engine backed by it.
func NewDockerEngine(socketPath string) *DockerEngine {
	if socketPath == "" {
		socketPath = "/var/run/docker.sock"
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &DockerEngine{
		httpClient: &http.Client{Transport: transport, Timeout: 60 * time.Second},
		apiVersion: "v1.43",
	}
}

func (d *DockerEngine) url(path string) string {
	return fmt.Sprintf("http://unix/%s%s", d.apiVersion, path)
}

type dockerCreateRequest struct {
	Image        string            `json:"Image"`
	Cmd          []string          `json:"Cmd"`
	Env          []string          `json:"Env"`
	AttachStdout bool              `json:"AttachStdout"`
	AttachStderr bool              `json:"AttachStderr"`
	NetworkDisabled bool           `json:"NetworkDisabled"`
	HostConfig   dockerHostConfig  `json:"HostConfig"`
}

type dockerHostConfig struct {
	Memory     int64 `json:"Memory"`
	CPUPeriod  int64 `json:"CpuPeriod"`
	CPUQuota   int64 `json:"CpuQuota"`
	AutoRemove bool  `json:"AutoRemove"`
}

type dockerCreateResponse struct {
	ID string `json:"Id"`
}

func (d *DockerEngine) Run(ctx context.Context, image, command string, env map[string]string, cfg models.SandboxConfig) (Handle, error) {
	memBytes, err := parseMemLimit(cfg.MemLimit)
	if err != nil {
		return nil, err
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	body := dockerCreateRequest{
		Image:           image,
		Cmd:             []string{"/bin/sh", "-c", command},
		Env:             envList,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: cfg.NetworkDisabled,
		HostConfig: dockerHostConfig{
			Memory:    memBytes,
			CPUPeriod: int64(cfg.CPUPeriod),
			CPUQuota:  int64(cfg.CPUQuota),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := d.doJSON(ctx, http.MethodPost, "/containers/create", payload)
	if err != nil {
		return nil, err
	}
	var created dockerCreateResponse
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, fmt.Errorf("sandbox: decode create response: %w", err)
	}

	if _, err := d.doJSON(ctx, http.MethodPost, "/containers/"+created.ID+"/start", nil); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	return &dockerHandle{engine: d, id: created.ID}, nil
}

func (d *DockerEngine) doJSON(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.url(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sandbox: docker api %s %s: status %d: %s", method, path, resp.StatusCode, string(out))
	}
	return out, nil
}

func parseMemLimit(limit string) (int64, error) {
	if limit == "" {
		return 512 * 1024 * 1024, nil
	}
	var n int64
	var unit string
	if _, err := fmt.Sscanf(limit, "%d%s", &n, &unit); err != nil {
		return 0, fmt.Errorf("sandbox: malformed mem limit %q: %w", limit, err)
	}
	switch unit {
	case "m", "M", "mb", "MB":
		return n * 1024 * 1024, nil
	case "g", "G", "gb", "GB":
		return n * 1024 * 1024 * 1024, nil
	case "k", "K", "kb", "KB":
		return n * 1024, nil
	default:
		return n, nil
	}
}

type dockerHandle struct {
	engine *DockerEngine
	id     string
}

var _ Handle = (*dockerHandle)(nil)

func (h *dockerHandle) ID() string { return h.id }

type dockerWaitResponse struct {
	StatusCode int `json:"StatusCode"`
}

func (h *dockerHandle) Wait(ctx context.Context, timeout time.Duration) (int, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := h.engine.doJSON(waitCtx, http.MethodPost, "/containers/"+h.id+"/wait", nil)
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded {
			_ = h.stop(context.Background())
			return 0, true, nil
		}
		return 0, false, err
	}
	var wr dockerWaitResponse
	if err := json.Unmarshal(resp, &wr); err != nil {
		return 0, false, fmt.Errorf("sandbox: decode wait response: %w", err)
	}
	return wr.StatusCode, false, nil
}

func (h *dockerHandle) stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := h.engine.doJSON(stopCtx, http.MethodPost, "/containers/"+h.id+"/stop?t=1", nil)
	return err
}

func (h *dockerHandle) Logs(ctx context.Context) ([]byte, error) {
	return h.engine.doJSON(ctx, http.MethodGet, "/containers/"+h.id+"/logs?stdout=1&stderr=1", nil)
}

func (h *dockerHandle) Stdout(ctx context.Context) ([]byte, error) {
	raw, err := h.engine.doJSON(ctx, http.MethodGet, "/containers/"+h.id+"/logs?stdout=1&stderr=0", nil)
	if err != nil {
		return nil, err
	}
	return stripDockerFrameHeaders(raw), nil
}

// stripDockerFrameHeaders removes the 8-byte multiplexed stream headers the
// Docker logs endpoint prefixes each frame with when the container was not
// started with a TTY attached.
func stripDockerFrameHeaders(raw []byte) []byte {
	var out bytes.Buffer
	for len(raw) >= 8 {
		size := int(raw[4])<<24 | int(raw[5])<<16 | int(raw[6])<<8 | int(raw[7])
		raw = raw[8:]
		if size > len(raw) {
			size = len(raw)
		}
		out.Write(raw[:size])
		raw = raw[size:]
	}
	if out.Len() == 0 {
		return raw
	}
	return out.Bytes()
}

func (h *dockerHandle) Remove(ctx context.Context, force bool) error {
	path := "/containers/" + h.id
	if force {
		path += "?force=1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.engine.url(path), nil)
	if err != nil {
		return err
	}
	resp, err := h.engine.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); resp.Body.Close() }()
	return nil
}

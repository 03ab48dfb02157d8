package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oryxsec/scanengine/internal/tools"
)

// SimulatorConfig configures degraded-mode execution.
type SimulatorConfig struct {
	// ChunkDelay is the pause between fabricated output chunks, giving
	// subscribers a realistic progress feed. Zero = no delay (tests).
	ChunkDelay time.Duration
}

// Simulator implements Engine without a container engine. It fabricates
// plausible, clearly-labeled tool output so the rest of the system — events,
// persistence, lifecycle — behaves exactly as in real mode. Every line is
// prefixed with a simulation marker so it can never be mistaken for a real
// scan result.
type Simulator struct {
	cfg    SimulatorConfig
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]*simContainer
}

type simContainer struct {
	id      string
	name    string
	cmd     []string
	created time.Time

	started chan struct{}
	stopped chan struct{} // closed by Stop/Remove
	done    chan struct{} // closed when output is fully emitted

	stopOnce sync.Once
	running  bool
}

// NewSimulator creates a degraded-mode engine.
func NewSimulator(cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	return &Simulator{
		cfg:        cfg,
		logger:     logger,
		containers: make(map[string]*simContainer),
	}
}

// EnsureImage always succeeds — there is no engine to pull into.
func (s *Simulator) EnsureImage(_ context.Context, ref string) error {
	s.logger.Debug("simulation: image assumed present", slog.String("image", ref))
	return nil
}

func (s *Simulator) Create(_ context.Context, spec ContainerSpec) (string, error) {
	c := &simContainer{
		id:      "sim-" + uuid.New().String()[:12],
		name:    spec.Name,
		cmd:     spec.Cmd,
		created: time.Now(),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.containers[c.id] = c
	s.mu.Unlock()
	return c.id, nil
}

// Attach emits the canned output for the container's tool, one chunk at a
// time, preserving chunk order. It blocks until the output is exhausted or
// the container is stopped.
func (s *Simulator) Attach(ctx context.Context, id string, stdout, _ io.Writer) error {
	c, err := s.get(id)
	if err != nil {
		return err
	}

	select {
	case <-c.started:
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	defer close(c.done)
	for _, chunk := range simulatedOutput(c.cmd) {
		if s.cfg.ChunkDelay > 0 {
			select {
			case <-time.After(s.cfg.ChunkDelay):
			case <-c.stopped:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := io.WriteString(stdout, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) Start(_ context.Context, id string) error {
	c, err := s.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c.running = true
	s.mu.Unlock()
	close(c.started)
	return nil
}

func (s *Simulator) Wait(ctx context.Context, id string) <-chan WaitResult {
	out := make(chan WaitResult, 1)
	c, err := s.get(id)
	if err != nil {
		out <- WaitResult{Err: err}
		return out
	}

	go func() {
		select {
		case <-c.done:
			s.setStopped(c)
			out <- WaitResult{ExitCode: 0}
		case <-c.stopped:
			// Forced stop maps to SIGKILL semantics.
			out <- WaitResult{ExitCode: 137}
		case <-ctx.Done():
			out <- WaitResult{Err: ctx.Err()}
		}
	}()
	return out
}

func (s *Simulator) Stop(_ context.Context, id string, _ time.Duration) {
	if c, err := s.get(id); err == nil {
		s.setStopped(c)
	}
}

func (s *Simulator) Remove(_ context.Context, id string) {
	if c, err := s.get(id); err == nil {
		s.setStopped(c)
	}
	s.mu.Lock()
	delete(s.containers, id)
	s.mu.Unlock()
}

// Ping always succeeds — degraded mode has no external dependency.
func (s *Simulator) Ping(context.Context) error { return nil }

func (s *Simulator) List(_ context.Context, namePrefix string) ([]ContainerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var infos []ContainerInfo
	for _, c := range s.containers {
		if len(c.name) >= len(namePrefix) && c.name[:len(namePrefix)] == namePrefix {
			infos = append(infos, ContainerInfo{
				ID:      c.id,
				Name:    c.name,
				Created: c.created,
				Running: c.running,
			})
		}
	}
	return infos, nil
}

func (s *Simulator) Mode() Mode { return ModeDegraded }

func (s *Simulator) Close() error { return nil }

func (s *Simulator) get(id string) (*simContainer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

func (s *Simulator) setStopped(c *simContainer) {
	c.stopOnce.Do(func() {
		s.mu.Lock()
		c.running = false
		s.mu.Unlock()
		close(c.stopped)
	})
}

// simulatedOutput fabricates output chunks for the tool named by cmd[0]. The
// target is taken from the last token, matching how the interpreter records
// it.
func simulatedOutput(cmd []string) []string {
	tool := ""
	target := "target"
	if len(cmd) > 0 {
		tool = cmd[0]
	}
	if len(cmd) > 1 {
		target = cmd[len(cmd)-1]
	}

	const label = "[simulation] "
	switch tools.Tool(tool) {
	case tools.Nmap:
		return []string{
			label + "Starting Nmap 7.95 ( https://nmap.org )\n",
			label + fmt.Sprintf("Nmap scan report for %s\n", target),
			label + "Host is up (0.0042s latency).\n",
			label + "PORT    STATE SERVICE VERSION\n" +
				label + "22/tcp  open  ssh     OpenSSH 9.6\n" +
				label + "80/tcp  open  http    nginx 1.25.4\n" +
				label + "443/tcp open  https   nginx 1.25.4\n",
			label + "Nmap done: 1 IP address (1 host up) scanned in 8.31 seconds\n",
		}
	case tools.Nikto:
		return []string{
			label + "- Nikto v2.5.0\n",
			label + fmt.Sprintf("+ Target Host: %s\n", target),
			label + "+ Server: nginx/1.25.4\n",
			label + "+ /: The anti-clickjacking X-Frame-Options header is not present.\n",
			label + "+ 7962 requests: 0 error(s) and 2 item(s) reported\n",
		}
	case tools.SQLMap:
		return []string{
			label + "sqlmap/1.8.5 - automatic SQL injection and database takeover tool\n",
			label + fmt.Sprintf("[*] testing connection to the target URL %s\n", target),
			label + "[*] testing if the target URL content is stable\n",
			label + "[*] all tested parameters do not appear to be injectable\n",
		}
	case tools.Gobuster:
		return []string{
			label + "Gobuster v3.6\n",
			label + fmt.Sprintf("[+] Url: %s\n", target),
			label + "/admin                (Status: 403) [Size: 153]\n",
			label + "/static               (Status: 301) [Size: 169]\n",
			label + "Finished\n",
		}
	default:
		return []string{
			label + fmt.Sprintf("%s run against %s\n", tool, target),
			label + "scan complete, no findings\n",
		}
	}
}

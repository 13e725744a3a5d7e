package backend

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/23skdu/fingemma/internal/config"
	"github.com/23skdu/fingemma/internal/logger"
	"github.com/23skdu/fingemma/internal/modelsrc"
)

// serverProcess is a llama-server child owned by this process.
type serverProcess struct {
	cmd     *exec.Cmd
	baseURL string
	output  io.WriteCloser

	exited  chan struct{}
	mu      sync.Mutex
	waitErr error
}

// serverArgs builds the llama-server command line for src.
func serverArgs(cfg config.BackendConfig, src modelsrc.Source, port int) ([]string, error) {
	var args []string
	switch {
	case src.Weights != "":
		args = append(args, "-m", src.Weights)
	case src.Kind == modelsrc.KindHub:
		args = append(args, "-hf", src.Ref)
	default:
		return nil, fmt.Errorf("no GGUF weights found in %s", src.Ref)
	}

	args = append(args, "--host", "127.0.0.1", "--port", strconv.Itoa(port))
	if cfg.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(cfg.ContextSize))
	}
	return append(args, cfg.ServerArgs...), nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// startServer launches llama-server for src on a free loopback port. The
// process outlives any request context; stop ends it.
func startServer(cfg config.BackendConfig, src modelsrc.Source) (*serverProcess, error) {
	bin, err := exec.LookPath(cfg.ServerBin)
	if err != nil {
		return nil, fmt.Errorf("llama-server binary %q: %w", cfg.ServerBin, err)
	}
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}
	args, err := serverArgs(cfg, src, port)
	if err != nil {
		return nil, err
	}

	out := logger.Log.Writer("proc", "llama-server")
	cmd := exec.Command(bin, args...)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Log.Info("Launching llama-server", "bin", bin, "args", args)
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	p := &serverProcess{
		cmd:     cmd,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		output:  out,
		exited:  make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		out.Close()
		close(p.exited)
	}()
	return p, nil
}

func (p *serverProcess) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr == nil {
		return fmt.Errorf("exit status 0")
	}
	return p.waitErr
}

// stop asks llama-server to exit and kills it after a grace period.
func (p *serverProcess) stop() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		return p.cmd.Process.Kill()
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(10 * time.Second):
		logger.Log.Warn("llama-server did not exit, killing", "pid", p.cmd.Process.Pid)
		return p.cmd.Process.Kill()
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecLauncher spawns workers as independent OS processes running this same
// executable with the worker subcommand. stdout/stderr are inherited; no
// memory is shared with the child.
type ExecLauncher struct {
	// Binary defaults to the current executable.
	Binary string
	// ExtraEnv is appended to the inherited environment.
	ExtraEnv []string
}

// Spawn implements Launcher.
func (l *ExecLauncher) Spawn(ctx context.Context, pairID string) (Process, error) {
	bin := l.Binary
	if bin == "" {
		var err error
		bin, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	cmd := exec.Command(bin, "worker", "--pair", pairID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), l.ExtraEnv...)
	cmd.Env = append(cmd.Env, "PAIR_ID="+pairID)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", pairID, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil {
			log.Warn().Err(err).Str("pair", pairID).Int("pid", cmd.Process.Pid).Msg("worker process exited")
		}
	}()
	_ = ctx // children outlive the spawning call; shutdown is via control channel + Kill
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Kill escalates SIGTERM to SIGKILL when the process ignores it.
func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		return p.cmd.Process.Kill()
	}
}

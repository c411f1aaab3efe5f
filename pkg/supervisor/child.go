package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/bettafish/bettafish/pkg/models"
)

// child is one spawned engine process plus its log tee.
type child struct {
	engine  models.Engine
	cmd     *exec.Cmd
	logFile *os.File

	mu     sync.Mutex
	exited bool
	done   chan struct{}
}

// spawn starts the engine command with stdout and stderr piped line-buffered
// into the per-engine log file.
func spawn(engine models.Engine, argv []string, logPath string) (*child, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine log: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to start engine process: %w", err)
	}

	c := &child{
		engine:  engine,
		cmd:     cmd,
		logFile: logFile,
		done:    make(chan struct{}),
	}
	go c.tee(stdout)
	return c, nil
}

// tee copies child output line by line into the log file, then reaps the
// process. Runs until the child closes its stdout.
func (c *child) tee(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		c.mu.Lock()
		_, _ = c.logFile.Write(line)
		_, _ = c.logFile.Write([]byte{'\n'})
		c.mu.Unlock()
	}

	_ = c.cmd.Wait()
	c.mu.Lock()
	c.exited = true
	_ = c.logFile.Close()
	c.mu.Unlock()
	close(c.done)
}

func (c *child) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *child) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.exited
}

// stop terminates the child: SIGTERM, wait up to grace, then SIGKILL.
func (c *child) stop(grace time.Duration) error {
	if !c.alive() {
		return nil
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return c.killAndWait(grace)
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(grace):
		return c.killAndWait(grace)
	}
}

func (c *child) killAndWait(grace time.Duration) error {
	c.kill()
	select {
	case <-c.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("engine %s did not exit after kill", c.engine)
	}
}

func (c *child) kill() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

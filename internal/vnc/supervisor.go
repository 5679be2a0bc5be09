package vnc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/logging"
)

// ErrDisplayNotReady is returned when the virtual display never comes up.
var ErrDisplayNotReady = errors.New("vnc: display not ready")

// Provisioner starts and stops the processes behind an allocation.
type Provisioner interface {
	Provision(ctx context.Context, alloc crawler.VncAllocation) error
	Teardown(alloc crawler.VncAllocation) error
}

// SupervisorConfig locates the helper binaries and their working files.
type SupervisorConfig struct {
	XvfbPath       string
	X11VNCPath     string
	WebsockifyPath string
	// SocketDir holds the X server sockets polled for readiness.
	SocketDir string
	// TempDir receives one directory of logs per session.
	TempDir       string
	Screen        string
	ReadyAttempts int
	ReadyInterval time.Duration
	// RemoveOnTeardown deletes the session directory right away instead of
	// leaving it for the sweeper.
	RemoveOnTeardown bool
}

type processGroup struct {
	cmds []*exec.Cmd
	dir  string
}

// Supervisor runs Xvfb, x11vnc, and websockify for each allocation, each in
// its own process group so teardown reaches any children they spawn.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *zap.Logger

	// command builds processes; tests substitute harmless binaries.
	command func(name string, args ...string) *exec.Cmd

	mu     sync.Mutex
	groups map[int]*processGroup
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	if cfg.XvfbPath == "" {
		cfg.XvfbPath = "Xvfb"
	}
	if cfg.X11VNCPath == "" {
		cfg.X11VNCPath = "x11vnc"
	}
	if cfg.WebsockifyPath == "" {
		cfg.WebsockifyPath = "websockify"
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = "/tmp/.X11-unix"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "archiver-vnc")
	}
	if cfg.Screen == "" {
		cfg.Screen = "1920x1080x24"
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = 20
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 250 * time.Millisecond
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("vnc_supervisor"),
		command: exec.Command,
		groups:  make(map[int]*processGroup),
	}
}

// Provision starts the display, waits for its socket, then starts the VNC
// server and the websocket bridge. A failure tears down whatever started.
func (s *Supervisor) Provision(ctx context.Context, alloc crawler.VncAllocation) error {
	display := ":" + strconv.Itoa(alloc.Display)
	dir := filepath.Join(s.cfg.TempDir, fmt.Sprintf("session-%d-%d", alloc.Display, time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	group := &processGroup{dir: dir}

	s.mu.Lock()
	if _, busy := s.groups[alloc.Display]; busy {
		s.mu.Unlock()
		return fmt.Errorf("display %s already supervised", display)
	}
	s.groups[alloc.Display] = group
	s.mu.Unlock()

	fail := func(err error) error {
		_ = s.Teardown(alloc)
		return err
	}

	if err := s.start(group, "xvfb", s.cfg.XvfbPath, display, "-screen", "0", s.cfg.Screen, "-nolisten", "tcp"); err != nil {
		return fail(err)
	}
	if err := s.waitDisplay(ctx, alloc.Display); err != nil {
		return fail(err)
	}
	if err := s.start(group, "x11vnc", s.cfg.X11VNCPath,
		"-display", display,
		"-rfbport", strconv.Itoa(alloc.VncPort),
		"-localhost", "-forever", "-shared", "-nopw",
	); err != nil {
		return fail(err)
	}
	if err := s.start(group, "websockify", s.cfg.WebsockifyPath,
		strconv.Itoa(alloc.WebPort), "localhost:"+strconv.Itoa(alloc.VncPort),
	); err != nil {
		return fail(err)
	}
	s.logger.Info("interactive session provisioned",
		zap.String("client_id", alloc.ClientID),
		zap.String("display", display),
		zap.Int("web_port", alloc.WebPort),
	)
	return nil
}

// Teardown kills every process group of the allocation. Processes that are
// already gone are not an error.
func (s *Supervisor) Teardown(alloc crawler.VncAllocation) error {
	s.mu.Lock()
	group, ok := s.groups[alloc.Display]
	delete(s.groups, alloc.Display)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for i := len(group.cmds) - 1; i >= 0; i-- {
		if err := killGroup(group.cmds[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.RemoveOnTeardown {
		if err := os.RemoveAll(group.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove session dir: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Running reports whether display has supervised processes.
func (s *Supervisor) Running(display int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[display]
	return ok
}

func (s *Supervisor) start(group *processGroup, name, path string, args ...string) error {
	logFile, err := os.Create(filepath.Join(group.dir, name+".log"))
	if err != nil {
		return fmt.Errorf("create %s log: %w", name, err)
	}
	cmd := s.command(path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("start %s: %w", name, err)
	}
	s.mu.Lock()
	group.cmds = append(group.cmds, cmd)
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		if err != nil {
			s.logger.Debug("helper exited", zap.String("process", name), zap.Error(err))
		}
	}()
	return nil
}

func (s *Supervisor) waitDisplay(ctx context.Context, display int) error {
	socket := filepath.Join(s.cfg.SocketDir, "X"+strconv.Itoa(display))
	for attempt := 0; attempt < s.cfg.ReadyAttempts; attempt++ {
		if _, err := os.Stat(socket); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for display :%d: %w", display, ctx.Err())
		case <-time.After(s.cfg.ReadyInterval):
		}
	}
	return fmt.Errorf("%w: :%d after %d attempts", ErrDisplayNotReady, display, s.cfg.ReadyAttempts)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

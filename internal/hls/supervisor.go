package hls

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"streamgate/internal/metrics"
)

// killEscalationDelay is how long after SIGTERM a stubborn encoder gets
// before the context is cancelled and the process group is killed.
const killEscalationDelay = 5 * time.Second

// stderrTailLines bounds the stderr ring kept per process for diagnostics.
const stderrTailLines = 32

var progressRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})\.(\d+)`)

// ExitEvent reports an encoder exit to whoever supervises tasks.
type ExitEvent struct {
	ProcessID string
	Key       TaskKey
	Code      int
	Killed    bool
	Err       error
	Stderr    string
	Runtime   time.Duration
}

// Process is one running encoder under supervision. The handle carries a
// unique ID for tracing and a single-shot hardware-slot release.
type Process struct {
	ID  string
	Key TaskKey

	cmd       *exec.Cmd
	cancel    context.CancelFunc
	dir       string
	startedAt time.Time

	done       chan struct{}
	exitErr    error
	progressMs int64 // atomic: last stderr time= position
	killed     atomic.Bool
	stderrTail *lineRing
	releaseHW  func()
	usedHW     bool
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Progress returns the last encoder position parsed from stderr.
func (p *Process) Progress() time.Duration {
	return time.Duration(atomic.LoadInt64(&p.progressMs)) * time.Millisecond
}

// UsedHardware reports whether the process held a hardware slot.
func (p *Process) UsedHardware() bool { return p.usedHW }

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Supervisor launches encoder processes, captures their stderr, reports exit
// codes, and supports forceful termination. It never interprets stderr except
// to extract progress timestamps for observability.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*Process
	onExit func(ExitEvent)
	logger *slog.Logger
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		procs:  make(map[string]*Process),
		logger: logger,
	}
}

// OnExit installs the exit callback. Must be set before the first Start.
func (s *Supervisor) OnExit(fn func(ExitEvent)) { s.onExit = fn }

// Start spawns the planned encoder in dir. releaseHW may be nil; when set it
// is invoked exactly once, no matter how the process ends.
func (s *Supervisor) Start(ctx context.Context, key TaskKey, plan Plan, dir string, releaseHW func()) (*Process, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if releaseHW != nil {
			releaseHW()
		}
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, plan.BinPath, plan.Args...)
	cmd.Dir = dir
	cmd.Stdout = io.Discard

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		if releaseHW != nil {
			releaseHW()
		}
		return nil, err
	}

	p := &Process{
		ID:         uuid.NewString(),
		Key:        key,
		cmd:        cmd,
		cancel:     cancel,
		dir:        dir,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
		stderrTail: newLineRing(stderrTailLines),
		releaseHW:  releaseHW,
		usedHW:     releaseHW != nil,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if releaseHW != nil {
			releaseHW()
		}
		return nil, err
	}

	s.mu.Lock()
	s.procs[p.ID] = p
	s.mu.Unlock()

	mode := "cpu"
	if p.usedHW {
		mode = "hw"
	}
	metrics.TranscodesStartedTotal.WithLabelValues(mode).Inc()
	s.logger.Info("encoder started",
		slog.String("processId", p.ID),
		slog.String("videoId", key.VideoID),
		slog.String("variant", key.Variant),
		slog.String("mode", mode),
	)

	go s.scanStderr(p, stderr)
	go s.await(p)
	return p, nil
}

func (s *Supervisor) scanStderr(p *Process, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrTail.add(line)
		if ms, ok := parseProgressLine(line); ok {
			atomic.StoreInt64(&p.progressMs, ms)
			continue
		}
		s.logger.Debug("encoder stderr",
			slog.String("processId", p.ID),
			slog.String("line", line),
		)
	}
}

func (s *Supervisor) await(p *Process) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)
	p.cancel()

	if p.releaseHW != nil {
		p.releaseHW()
	}

	s.mu.Lock()
	delete(s.procs, p.ID)
	s.mu.Unlock()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	killed := p.killed.Load()

	if code == 0 && !killed {
		if werr := writeDoneMarker(p.dir); werr != nil {
			s.logger.Warn("done marker write failed",
				slog.String("processId", p.ID),
				slog.String("error", werr.Error()),
			)
		}
		s.logger.Info("encoder finished",
			slog.String("processId", p.ID),
			slog.String("videoId", p.Key.VideoID),
			slog.String("variant", p.Key.Variant),
			slog.Duration("runtime", time.Since(p.startedAt)),
		)
	} else if !killed {
		metrics.TranscodeFailuresTotal.Inc()
		s.logger.Error("encoder exited nonzero",
			slog.String("processId", p.ID),
			slog.String("videoId", p.Key.VideoID),
			slog.String("variant", p.Key.Variant),
			slog.Int("code", code),
			slog.String("stderr", p.stderrTail.String()),
		)
	}

	if s.onExit != nil {
		s.onExit(ExitEvent{
			ProcessID: p.ID,
			Key:       p.Key,
			Code:      code,
			Killed:    killed,
			Err:       err,
			Stderr:    p.stderrTail.String(),
			Runtime:   time.Since(p.startedAt),
		})
	}
}

// Kill sends SIGTERM and blocks until the process exits, escalating to a
// hard kill after killEscalationDelay. Safe to call more than once.
func (s *Supervisor) Kill(p *Process, reason string) {
	if p == nil || p.exited() {
		return
	}
	p.killed.Store(true)
	metrics.TranscodesKilledTotal.WithLabelValues(reason).Inc()
	s.logger.Info("terminating encoder",
		slog.String("processId", p.ID),
		slog.String("videoId", p.Key.VideoID),
		slog.String("variant", p.Key.Variant),
		slog.String("reason", reason),
	)

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
	case <-time.After(killEscalationDelay):
		p.cancel()
		<-p.done
	}
}

// KillAll terminates every supervised process, used on shutdown.
func (s *Supervisor) KillAll(reason string) {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			s.Kill(p, reason)
		}(p)
	}
	wg.Wait()
}

// Running returns the number of supervised processes.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func writeDoneMarker(dir string) error {
	tmp := filepath.Join(dir, doneName+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(time.Now().Unix(), 10)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, doneName))
}

// parseProgressLine extracts the encoder position from a stats line of the
// form "... time=00:01:23.450 ...". Returns milliseconds.
func parseProgressLine(line string) (int64, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.ParseInt(m[1], 10, 64)
	min, _ := strconv.ParseInt(m[2], 10, 64)
	sec, _ := strconv.ParseInt(m[3], 10, 64)
	frac := m[4]
	// Fraction may be centiseconds or milliseconds depending on the encoder.
	ms, _ := strconv.ParseInt(frac, 10, 64)
	switch len(frac) {
	case 1:
		ms *= 100
	case 2:
		ms *= 10
	}
	return ((h*60+min)*60+sec)*1000 + ms, true
}

// lineRing keeps the last n stderr lines for failure diagnostics.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLineRing(max int) *lineRing {
	return &lineRing{max: max}
}

func (r *lineRing) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *lineRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

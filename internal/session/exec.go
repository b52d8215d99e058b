package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"postpilot/internal/profile"
	"postpilot/internal/schedule"
	logx "postpilot/pkg/logx"
)

// PlatformCommand describes how to start a worker process for one platform.
type PlatformCommand struct {
	Argv    []string
	WorkDir string
}

// ExecLauncher starts one worker subprocess per session.
//
// Protocol (line-oriented JSON over stdio): the worker prints
// {"event":"ready"} once it can accept work, receives {"op":...} requests on
// stdin, and answers each activity request with {"ok":true} or
// {"ok":false,"error":"..."}. The target account is passed through
// POSTPILOT_PLATFORM, POSTPILOT_ACCOUNT and POSTPILOT_GROUP.
type ExecLauncher struct {
	platforms map[string]PlatformCommand
	log       logx.Logger
}

func NewExecLauncher(platforms map[string]PlatformCommand, log logx.Logger) *ExecLauncher {
	m := make(map[string]PlatformCommand, len(platforms))
	for name, pc := range platforms {
		m[strings.ToLower(strings.TrimSpace(name))] = pc
	}
	return &ExecLauncher{platforms: m, log: log}
}

func (l *ExecLauncher) Supports(platform string) bool {
	_, ok := l.platforms[strings.ToLower(strings.TrimSpace(platform))]
	return ok
}

func (l *ExecLauncher) Start(_ context.Context, platform string, prof profile.Profile) (Session, error) {
	pc, ok := l.platforms[strings.ToLower(strings.TrimSpace(platform))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}

	cmd := exec.Command(pc.Argv[0], pc.Argv[1:]...)
	cmd.Dir = pc.WorkDir
	cmd.Env = append(os.Environ(),
		"POSTPILOT_PLATFORM="+platform,
		"POSTPILOT_ACCOUNT="+prof.Name,
		"POSTPILOT_GROUP="+prof.Group,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", pc.Argv[0], err)
	}

	s := &execSession{
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		log: l.log.With(
			logx.String("platform", platform),
			logx.String("account", prof.Name),
		),
		ready: make(chan struct{}),
		term:  make(chan struct{}),
		resps: make(chan workerReply, 8),
	}
	go s.readLoop(stdout)
	go s.waitLoop()
	return s, nil
}

type workerRequest struct {
	Op          string `json:"op"`
	Activity    string `json:"activity,omitempty"`
	MediaPath   string `json:"media_path,omitempty"`
	Description string `json:"description,omitempty"`
}

type workerReply struct {
	Event string `json:"event,omitempty"`
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

type execSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   logx.Logger

	writeMu sync.Mutex
	enc     *json.Encoder

	readyOnce sync.Once
	ready     chan struct{}
	term      chan struct{}
	resps     chan workerReply
}

func (s *execSession) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rep workerReply
		if err := json.Unmarshal([]byte(line), &rep); err != nil {
			s.log.Debug("unparseable worker output", logx.String("line", line))
			continue
		}
		if rep.Event == "ready" {
			s.readyOnce.Do(func() { close(s.ready) })
			continue
		}
		if rep.OK != nil {
			select {
			case s.resps <- rep:
			default:
				s.log.Warn("worker reply dropped; no activity waiting")
			}
		}
	}
}

func (s *execSession) waitLoop() {
	err := s.cmd.Wait()
	if err != nil {
		s.log.Info("worker exited", logx.Err(err))
	}
	close(s.term)
}

func (s *execSession) send(req workerRequest) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.term:
		return fmt.Errorf("worker process has exited")
	default:
	}
	if err := s.enc.Encode(req); err != nil {
		return fmt.Errorf("write to worker: %w", err)
	}
	return nil
}

func (s *execSession) Activity(ctx context.Context, a schedule.Activity, p ActivityParams) error {
	req := workerRequest{
		Op:          "activity",
		Activity:    string(a),
		MediaPath:   p.MediaPath,
		Description: p.Description,
	}
	if err := s.send(req); err != nil {
		return err
	}

	select {
	case rep := <-s.resps:
		if rep.OK != nil && !*rep.OK {
			if rep.Error == "" {
				rep.Error = "worker reported failure"
			}
			return fmt.Errorf("activity %s: %s", a, rep.Error)
		}
		return nil
	case <-s.term:
		return fmt.Errorf("worker exited during activity %s", a)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *execSession) BringToForeground(context.Context) error {
	return s.send(workerRequest{Op: "foreground"})
}

func (s *execSession) Interrupt(context.Context) error {
	return s.send(workerRequest{Op: "interrupt"})
}

// Close asks the worker to exit and waits for it, killing the process when
// ctx runs out first.
func (s *execSession) Close(ctx context.Context) error {
	if err := s.send(workerRequest{Op: "close"}); err != nil {
		// Already gone, or stdin broken: make sure the process dies.
		_ = s.cmd.Process.Kill()
		<-s.term
		return nil
	}
	select {
	case <-s.term:
		return nil
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		<-s.term
		return ctx.Err()
	}
}

func (s *execSession) Ready() <-chan struct{}      { return s.ready }
func (s *execSession) Terminated() <-chan struct{} { return s.term }

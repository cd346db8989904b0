package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/logger"
)

// SubprocessEngine implements Engine by piping frames to an external model
// server. Each request is a 4-byte big-endian length followed by a JPEG; each
// response is one line of JSON:
//
//	{"observations":[{"labels":[{"identifier":"cat","confidence":0.9}],"box":{"x":0.1,"y":0.1,"width":0.3,"height":0.3}}]}
//
// A non-empty "error" field rejects the frame.
type SubprocessEngine struct {
	path        string
	args        []string
	idleTimeout time.Duration
	log         zerolog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	started   bool
	idleTimer *time.Timer

	// Set while a request is on the wire so Close can unblock it.
	inflight atomic.Pointer[os.Process]
	closing  atomic.Bool
}

type subprocessResponse struct {
	Observations []Observation `json:"observations"`
	Error        string        `json:"error,omitempty"`
}

// NewSubprocessEngine resolves the model server command. The process itself is
// started lazily on first inference and stopped after IdleTimeout without use.
func NewSubprocessEngine(cfg Config) (*SubprocessEngine, error) {
	if cfg.Command == "" {
		return nil, loadFailed("subprocess engine needs a command")
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, loadFailed("model server %q: %v", cfg.Command, err)
	}

	return &SubprocessEngine{
		path:        path,
		args:        cfg.Args,
		idleTimeout: cfg.IdleTimeout,
		log:         logger.For("Subprocess"),
	}, nil
}

// Infer sends a frame to the model server and waits for its reply.
func (d *SubprocessEngine) Infer(ctx context.Context, frame *gocv.Mat) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, Reject("cancelled", err)
	}
	if frame == nil || frame.Empty() {
		return nil, Reject("empty frame", nil)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, Reject("unsupported image", err)
	}
	defer buf.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return nil, Reject("model server unavailable", err)
	}

	d.inflight.Store(d.cmd.Process)
	if d.closing.Load() {
		d.inflight.Store(nil)
		return nil, Reject("engine closing", nil)
	}
	resp, err := d.roundTrip(buf.GetBytes())
	d.inflight.Store(nil)
	if err != nil {
		// The stream is out of sync; restart on the next frame.
		d.shutdown()
		return nil, Reject("model server i/o", err)
	}
	if resp.Error != "" {
		return nil, Reject(resp.Error, nil)
	}

	d.resetIdleTimer()
	return resp.Observations, nil
}

func (d *SubprocessEngine) roundTrip(data []byte) (subprocessResponse, error) {
	var resp subprocessResponse

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := d.stdin.Write(length); err != nil {
		return resp, fmt.Errorf("write length: %w", err)
	}
	if _, err := d.stdin.Write(data); err != nil {
		return resp, fmt.Errorf("write data: %w", err)
	}

	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		return resp, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return resp, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}

// Close shuts down the model server. A request still waiting on the server
// is cut short by killing the process.
func (d *SubprocessEngine) Close() error {
	d.closing.Store(true)
	if p := d.inflight.Load(); p != nil {
		if err := p.Kill(); err != nil {
			d.log.Debug().Err(err).Msg("kill model server")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.closing.Store(false)
	return d.shutdown()
}

func (d *SubprocessEngine) ensureStarted() error {
	if d.started {
		return nil
	}

	d.cmd = exec.Command(d.path, d.args...)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start model server: %w", err)
	}

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true
	d.log.Info().Str("command", d.path).Int("pid", d.cmd.Process.Pid).Msg("model server started")

	return nil
}

func (d *SubprocessEngine) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil
	d.log.Info().Msg("model server stopped")

	return err
}

func (d *SubprocessEngine) resetIdleTimer() {
	if d.idleTimeout <= 0 {
		return
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.idleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

// Package runtime implements the per-folder session runtime (§4.E): the
// actor that owns a child agent process, wires its stdout through the
// decode/conflate/state-fold pipeline, and serialises every inbound event
// (child output, prompts, client attach/detach, timers) through one logical
// queue so the state-handling code in internal/broker/state never needs its
// own locking.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spm1001/gueridon/internal/broker/decode"
	"github.com/spm1001/gueridon/internal/broker/state"
	"github.com/spm1001/gueridon/internal/replay"
)

// Phase is the session runtime's state machine position (§4.E).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSpawning
	PhaseReady
	PhaseTurn
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSpawning:
		return "spawning"
	case PhaseReady:
		return "ready"
	case PhaseTurn:
		return "turn"
	default:
		return "unknown"
	}
}

// Options configures a Runtime.
type Options struct {
	Command              []string // e.g. {"claude", "--print", "--output-format", "stream-json", "--verbose"}
	WorkDir              string
	SessionLogDir        string // <folder>/logs/sessions
	ResumeSessionID      string
	HasExitMarker        bool
	InitTimeout          time.Duration
	GracePeriod          time.Duration
	KillEscalationDelay  time.Duration
	RingBufferSize       int
	StderrRingLines      int
	ContextWindowDefault int
	CompactionDropFrac   float64
	CompactionMinTokens  int

	// OnRecord lets the enclosing registry persist {sessionId, folder, pid,
	// spawnedAt} for the orphan reaper (§4.H) without this package importing
	// internal/reaper directly.
	OnRecord   func(pid int, sessionID string)
	OnUnrecord func()

	// OnBroadcast receives every sequenced frame (deltas, snapshots,
	// control frames) for the transport layer to fan out (§4.F/§4.G).
	OnBroadcast func(replay.Frame)
}

// PromptRequest is one inbound prompt: plain text or a pre-built content
// array (mirroring the two accepted shapes in §6).
type PromptRequest struct {
	Text    string
	Content []json.RawMessage
}

// queuedPrompt is one prompt waiting its turn; the caller's position is
// computed from its index in promptQueue when it is enqueued, so nothing
// here needs to carry an acknowledgement channel back to the submitter.
type queuedPrompt struct {
	prompt PromptRequest
}

// PromptAck is what a caller of SubmitPrompt receives: delivered
// immediately, or queued at some position.
type PromptAck struct {
	Queued   bool
	Position int
}

// Runtime is the per-folder actor. All mutation of its fields happens on
// the single goroutine running Run; everything else communicates with
// it over channels, so no field here needs its own mutex.
type Runtime struct {
	folder string
	opts   Options

	builder    *state.Builder
	conflator  *state.Conflator
	ring       *replay.Ring
	contextBnd *bandTracker

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderrRB *stderrRing

	phase        Phase
	turnActive   bool
	sessionID    string
	attachedOnce bool

	promptQueue []queuedPrompt
	childExitCh chan childExit
	cmdCh       chan func()

	graceTimer *time.Timer
	clientsN   int

	closed bool
	doneCh chan struct{}
}

// Done returns a channel closed once the runtime has torn itself down
// (grace-timer expiry or explicit Exit). The registry removes the runtime
// from its map and cancels its context on receipt, per §4.E: "the runtime
// terminates the child and destroys itself."
func (r *Runtime) Done() <-chan struct{} {
	return r.doneCh
}

type childExit struct {
	err    error
	signal bool
}

func New(folder string, opts Options) *Runtime {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 30 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 60 * time.Second
	}
	if opts.KillEscalationDelay <= 0 {
		opts.KillEscalationDelay = 2 * time.Second
	}
	if opts.RingBufferSize <= 0 {
		opts.RingBufferSize = 256
	}
	if opts.StderrRingLines <= 0 {
		opts.StderrRingLines = 20
	}

	r := &Runtime{
		folder:      folder,
		opts:        opts,
		ring:        replay.NewRing(opts.RingBufferSize),
		stderrRB:    newStderrRing(opts.StderrRingLines),
		phase:       PhaseIdle,
		childExitCh: make(chan childExit, 1),
		cmdCh:       make(chan func(), 32),
		contextBnd:  &bandTracker{},
		doneCh:      make(chan struct{}),
	}

	r.builder = state.NewBuilder(folder, state.Options{
		Live:                   true,
		ContextWindowDefault:   opts.ContextWindowDefault,
		CompactionDropFraction: opts.CompactionDropFrac,
		CompactionMinTokens:    opts.CompactionMinTokens,
	})
	r.builder.OnDelta = r.handleDelta
	r.builder.OnAskUser = r.handleAskUser
	r.builder.OnCompaction = r.handleCompaction
	r.builder.OnCwdChange = func(string) {}

	r.conflator = state.NewConflator(50*time.Millisecond, r.builder.Handle)
	r.conflator.SetDispatch(r.post)

	return r
}

// Run is the runtime's single event loop. It must be started in its own
// goroutine; every method below that mutates runtime state does so by
// posting a closure onto cmdCh and is safe to call from any goroutine.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.teardown()
			return
		case fn := <-r.cmdCh:
			fn()
		case exit := <-r.childExitCh:
			r.onChildExit(exit)
		}
	}
}

// post serialises fn onto the runtime's event loop and blocks until it has
// run, mirroring the "dispatched onto that runtime's queue" requirement in
// §5 for any HTTP-handler-triggered mutation.
func (r *Runtime) post(fn func()) {
	done := make(chan struct{})
	r.cmdCh <- func() {
		fn()
		close(done)
	}
	<-done
}

// Phase returns the current phase. Safe for concurrent use.
func (r *Runtime) Phase() Phase {
	var p Phase
	r.post(func() { p = r.phase })
	return p
}

// Snapshot returns the current session state, safe for concurrent use.
func (r *Runtime) Snapshot() *state.SessionState {
	var snap *state.SessionState
	r.post(func() { snap = r.builder.Snapshot() })
	return snap
}

// Folder returns the project folder name this runtime owns.
func (r *Runtime) Folder() string {
	return r.folder
}

// Replay resolves the attach-time replay bracket (§4.F) for a client
// presenting lastEventID as its last-seen sequence number. Routed through
// post so it observes the ring at a point consistent with Snapshot, not a
// torn read racing the event loop.
func (r *Runtime) Replay(lastEventID uint64) replay.AttachResult {
	var out replay.AttachResult
	r.post(func() { out = replay.Attach(r.ring, lastEventID) })
	return out
}

// Attach registers a new client, cancelling any pending grace teardown.
func (r *Runtime) Attach() {
	r.post(func() {
		r.clientsN++
		if r.graceTimer != nil {
			r.graceTimer.Stop()
			r.graceTimer = nil
		}
		r.attachedOnce = true
	})
}

// Detach unregisters a client. When the last client leaves, the grace timer
// starts (§4.E).
func (r *Runtime) Detach() {
	r.post(func() {
		if r.clientsN > 0 {
			r.clientsN--
		}
		if r.clientsN == 0 && r.graceTimer == nil {
			r.graceTimer = time.AfterFunc(r.opts.GracePeriod, func() {
				r.post(func() { r.teardown() })
			})
		}
	})
}

// SubmitPrompt implements the lazy-spawn + FIFO-queue contract (§4.E). It
// spawns the child on first use if needed, delivers immediately if the
// runtime is ready, or queues and acks with position if a turn is active.
func (r *Runtime) SubmitPrompt(p PromptRequest) (PromptAck, error) {
	var ack PromptAck
	var spawnErr error
	r.post(func() {
		if r.phase == PhaseIdle {
			if err := r.spawnLocked(); err != nil {
				spawnErr = err
				return
			}
		}
		if r.phase == PhaseTurn {
			r.promptQueue = append(r.promptQueue, queuedPrompt{prompt: p})
			ack = PromptAck{Queued: true, Position: len(r.promptQueue)}
			return
		}
		r.deliverLocked(p)
		ack = PromptAck{Queued: false}
	})
	return ack, spawnErr
}

// Abort sends the polite termination signal and begins kill escalation,
// per §5: non-cancellable, returns once the signal is delivered.
func (r *Runtime) Abort() error {
	var err error
	r.post(func() {
		if r.cmd == nil || r.cmd.Process == nil {
			err = fmt.Errorf("no running child for folder %q", r.folder)
			return
		}
		r.killEscalating()
	})
	return err
}

// Exit kills the child, if any, and tears the runtime down so a subsequent
// attach starts fresh. It does not write the exit marker; this package only
// knows about the child process, so the caller writes the marker.
func (r *Runtime) Exit() {
	r.post(func() {
		if r.cmd != nil && r.cmd.Process != nil {
			r.killEscalating()
		}
		r.teardown()
	})
}

func (r *Runtime) spawnLocked() error {
	r.phase = PhaseSpawning

	args := append([]string(nil), r.opts.Command[1:]...)
	if r.opts.ResumeSessionID != "" && !r.opts.HasExitMarker {
		args = append(args, "--resume", r.opts.ResumeSessionID)
	}

	cmd := exec.Command(r.opts.Command[0], args...)
	cmd.Dir = r.opts.WorkDir
	cmd.Env = strippedEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting child for folder %q: %w", r.folder, err)
	}

	r.cmd = cmd
	r.stdin = stdin

	if r.opts.OnRecord != nil {
		r.opts.OnRecord(cmd.Process.Pid, r.sessionID)
	}

	go r.readStdout(stdout)
	go r.readStderr(stderr)
	go r.waitChild()

	time.AfterFunc(r.opts.InitTimeout, func() {
		r.post(func() {
			if r.phase == PhaseSpawning {
				log.Printf("[runtime %s] child did not emit system-init within %s, killing", r.folder, r.opts.InitTimeout)
				if r.cmd != nil && r.cmd.Process != nil {
					r.killEscalating()
				}
			}
		})
	})

	return nil
}

func (r *Runtime) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		r.cmdCh <- func() { r.handleLine(line) }
	}
}

func (r *Runtime) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		r.cmdCh <- func() { r.stderrRB.push(line) }
	}
}

func (r *Runtime) waitChild() {
	err := r.cmd.Wait()
	signalExit := false
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			signalExit = status.Signaled()
		}
	}
	r.childExitCh <- childExit{err: err, signal: signalExit}
}

// handleLine folds one raw stdout line through the conflator into the
// builder. Called only from the runtime's own goroutine (posted via
// cmdCh), so no locking is needed here.
func (r *Runtime) handleLine(line []byte) {
	ev := decode.Decode(line)
	switch ev.Kind {
	case decode.KindSystemInit:
		r.phase = PhaseReady
		if ev.SystemInit.SessionID != "" {
			r.sessionID = ev.SystemInit.SessionID
		}
	case decode.KindTurnResult:
		r.phase = PhaseReady
		r.turnActive = false
	case decode.KindUnknown:
		// decode couldn't make sense of it; diagnostic noise, ignore.
		r.conflator.Handle(ev)
		return
	default:
		if r.phase == PhaseReady {
			r.phase = PhaseTurn
			r.turnActive = true
		}
	}
	r.conflator.Handle(ev)

	if ev.Kind == decode.KindTurnResult {
		r.afterTurnResult()
	}
}

// afterTurnResult implements local-command recovery, dequeues the next
// prompt, and handles context-band crossing (§4.C/§4.E).
func (r *Runtime) afterTurnResult() {
	snap := r.builder.Snapshot()
	if len(snap.Messages) > 0 {
		last := snap.Messages[len(snap.Messages)-1]
		if last.Kind == state.Assistant && len(last.Content) == 0 {
			r.recoverLocalCommand()
		}
	}

	band := classifyBand(snap.ContextPercent)
	r.contextBnd.update(band)

	r.dequeueNext()
}

func (r *Runtime) dequeueNext() {
	if len(r.promptQueue) == 0 {
		if r.clientsN == 0 && r.stdin != nil {
			r.stdin.Close()
			r.stdin = nil
		}
		return
	}
	next := r.promptQueue[0]
	r.promptQueue = r.promptQueue[1:]
	r.deliverLocked(next.prompt)
}

// deliverLocked writes the prompt envelope to the child's stdin, prepending
// a one-shot context-band note if one is pending (§4.E).
func (r *Runtime) deliverLocked(p PromptRequest) {
	if r.stdin == nil {
		return
	}
	if note := r.contextBnd.consumeNote(); note != "" {
		p = prependNote(p, note)
	}

	r.phase = PhaseTurn
	r.turnActive = true

	envelope := buildUserEnvelope(p)
	data, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("[runtime %s] marshaling prompt envelope: %v", r.folder, err)
		return
	}
	if _, err := r.stdin.Write(append(data, '\n')); err != nil {
		log.Printf("[runtime %s] writing prompt to child stdin: %v", r.folder, err)
	}

	if r.clientsN == 0 {
		r.stdin.Close()
		r.stdin = nil
	}
}

func (r *Runtime) killEscalating() {
	pid := r.cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	time.AfterFunc(r.opts.KillEscalationDelay, func() {
		r.post(func() {
			if r.cmd == nil || r.cmd.Process == nil {
				return
			}
			proc, err := process.NewProcess(int32(pid))
			if err != nil {
				return
			}
			if alive, _ := proc.IsRunning(); alive {
				syscall.Kill(-pid, syscall.SIGKILL)
			}
		})
	})
}

func (r *Runtime) onChildExit(exit childExit) {
	if r.turnActive {
		subtype := "error"
		if exit.signal {
			subtype = "aborted"
		}
		r.conflator.Handle(decode.Event{
			Kind: decode.KindTurnResult,
			TurnResult: &decode.TurnResult{Subtype: subtype},
		})
		r.afterTurnResult()
	}
	r.phase = PhaseIdle
	r.turnActive = false
	r.cmd = nil
	r.stdin = nil
	if r.opts.OnUnrecord != nil {
		r.opts.OnUnrecord()
	}
}

func (r *Runtime) teardown() {
	if r.closed {
		return
	}
	r.closed = true
	if r.cmd != nil && r.cmd.Process != nil {
		r.killEscalating()
	}
	if r.opts.OnUnrecord != nil {
		r.opts.OnUnrecord()
	}
	close(r.doneCh)
}

func (r *Runtime) handleDelta(d state.Delta) {
	frame := r.ring.Append(string(d.Kind), d)
	if r.opts.OnBroadcast != nil {
		r.opts.OnBroadcast(frame)
	}
}

func (r *Runtime) handleAskUser(tc *state.ToolCall) {
	frame := r.ring.Append("ask_user", tc)
	if r.opts.OnBroadcast != nil {
		r.opts.OnBroadcast(frame)
	}
}

func (r *Runtime) handleCompaction() {
	r.contextBnd.resetOnCompaction()
}

func strippedEnv() []string {
	out := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// recoverLocalCommand tails the session log file for the latest
// local-command-stdout envelope and feeds it through the builder, per
// §4.E's local-command-recovery contract.
func (r *Runtime) recoverLocalCommand() {
	if r.opts.SessionLogDir == "" || r.sessionID == "" {
		return
	}
	path := filepath.Join(r.opts.SessionLogDir, r.sessionID+".jsonl")
	line, err := lastLocalCommandLine(path)
	if err != nil || line == nil {
		return
	}
	r.conflator.Handle(decode.Decode(state.UnwrapLogLine(line)))
}

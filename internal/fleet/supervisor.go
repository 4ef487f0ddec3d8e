// Package fleet supervises one OS process per configured bot identity.
// Crashed processes restart with backoff under a rolling restart budget;
// an identity that blows the budget is marked dead and left down so a
// crash-looping bot cannot burn credentials forever.
package fleet

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/pkg/models"
)

// Reporter receives dead-identity reports. The webhook notifier
// satisfies this.
type Reporter interface {
	IdentityDead(ctx context.Context, identity, lastExit string)
}

// Options configures the supervisor.
type Options struct {
	BotBinary     string
	RestartBudget int           // restarts allowed inside RestartWindow
	RestartWindow time.Duration // rolling window for the budget
	GracePeriod   time.Duration // SIGINT to SIGKILL delay on stop
	BackoffStep   time.Duration // per-restart backoff multiplier
	ExtraEnv      map[string]string
	Reporter      Reporter
}

type supervised struct {
	identity models.Identity

	mu        sync.Mutex
	state     models.ProcessState
	pid       int
	restarts  []time.Time // restart timestamps inside the rolling window
	total     int
	startedAt time.Time
	lastExit  string
	cmd       *exec.Cmd
}

// Supervisor runs and restarts the fleet's bot processes.
type Supervisor struct {
	opts  Options
	procs []*supervised
	wg    sync.WaitGroup
}

func New(opts Options, identities []models.Identity) *Supervisor {
	if opts.RestartBudget <= 0 {
		opts.RestartBudget = 5
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = 10 * time.Minute
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = 2 * time.Second
	}

	s := &Supervisor{opts: opts}
	for _, id := range identities {
		s.procs = append(s.procs, &supervised{
			identity: id,
			state:    models.ProcessStarting,
		})
	}
	return s
}

// Run starts every identity and blocks until ctx is cancelled and all
// processes have stopped.
func (s *Supervisor) Run(ctx context.Context) {
	for _, p := range s.procs {
		s.wg.Add(1)
		go func(p *supervised) {
			defer s.wg.Done()
			s.supervise(ctx, p)
		}(p)
	}
	s.wg.Wait()
}

// supervise is the per-identity loop: spawn, wait, classify the exit,
// then restart after backoff while the budget allows.
func (s *Supervisor) supervise(ctx context.Context, p *supervised) {
	for {
		if ctx.Err() != nil {
			p.setState(models.ProcessStopped)
			return
		}

		err := s.runOnce(ctx, p)
		if ctx.Err() != nil {
			// Shutdown-initiated exit is not a crash.
			p.setState(models.ProcessStopped)
			return
		}

		exit := "exit 0"
		if err != nil {
			exit = err.Error()
		}
		p.mu.Lock()
		p.lastExit = exit
		now := time.Now()
		p.restarts = append(p.restarts, now)
		p.total++
		p.restarts = pruneWindow(p.restarts, now.Add(-s.opts.RestartWindow))
		over := len(p.restarts) > s.opts.RestartBudget
		attempts := len(p.restarts)
		p.mu.Unlock()

		if over {
			p.setState(models.ProcessDead)
			log.Error().
				Str("identity", p.identity.Name).
				Str("last_exit", exit).
				Int("budget", s.opts.RestartBudget).
				Dur("window", s.opts.RestartWindow).
				Msg("restart budget exhausted, identity is dead")
			if s.opts.Reporter != nil {
				s.opts.Reporter.IdentityDead(ctx, p.identity.Name, exit)
			}
			return
		}

		backoff := time.Duration(attempts) * s.opts.BackoffStep
		log.Warn().
			Str("identity", p.identity.Name).
			Str("last_exit", exit).
			Dur("backoff", backoff).
			Int("restarts_in_window", attempts).
			Msg("bot process exited, restarting")

		p.setState(models.ProcessBackoff)
		select {
		case <-ctx.Done():
			p.setState(models.ProcessStopped)
			return
		case <-time.After(backoff):
		}
	}
}

// runOnce spawns the bot process and waits for it to exit. A non-nil
// return describes an abnormal exit.
func (s *Supervisor) runOnce(ctx context.Context, p *supervised) error {
	procCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	args := []string{
		"-name", p.identity.Name,
		"-token-env", p.identity.TokenEnv,
	}
	if p.identity.Character != "" {
		args = append(args, "-character", p.identity.Character)
	}
	if p.identity.Type == models.IdentityAdmin {
		args = append(args, "-admin")
	}

	cmd := exec.CommandContext(procCtx, s.opts.BotBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := os.Environ()
	for k, v := range s.opts.ExtraEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.state = models.ProcessRunning
	p.startedAt = time.Now()
	p.mu.Unlock()

	log.Info().
		Str("identity", p.identity.Name).
		Int("pid", cmd.Process.Pid).
		Msg("bot process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.stopProcess(p, done)
		return ctx.Err()
	}
}

// stopProcess delivers SIGINT, waits out the grace period, then kills.
func (s *Supervisor) stopProcess(p *supervised, done <-chan error) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	log.Info().
		Str("identity", p.identity.Name).
		Int("pid", cmd.Process.Pid).
		Msg("stopping bot process")

	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(s.opts.GracePeriod):
		log.Warn().
			Str("identity", p.identity.Name).
			Msg("bot process ignored SIGINT, killing")
		_ = cmd.Process.Kill()
		<-done
	}
}

// Snapshot reports the current state of every supervised identity.
func (s *Supervisor) Snapshot() []models.ProcessInfo {
	infos := make([]models.ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		p.mu.Lock()
		infos = append(infos, models.ProcessInfo{
			Identity:  p.identity.Name,
			State:     p.state,
			PID:       p.pid,
			Restarts:  p.total,
			StartedAt: p.startedAt,
			LastExit:  p.lastExit,
		})
		p.mu.Unlock()
	}
	return infos
}

// AnyDead reports whether any identity exhausted its restart budget.
// The supervisor's exit code hinges on this.
func (s *Supervisor) AnyDead() bool {
	for _, p := range s.procs {
		p.mu.Lock()
		dead := p.state == models.ProcessDead
		p.mu.Unlock()
		if dead {
			return true
		}
	}
	return false
}

func (p *supervised) setState(state models.ProcessState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

// pruneWindow drops restart timestamps older than the cutoff.
func pruneWindow(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

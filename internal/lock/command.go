package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"guestkey/config"
	"guestkey/internal/log"
	"guestkey/internal/metrics"
)

var sshOptions = []string{
	"-o", "StrictHostKeyChecking=accept-new",
	"-o", "ServerAliveInterval=15",
	"-o", "ServerAliveCountMax=3",
	"-o", "ConnectTimeout=10",
}

// timeLayout is the date format the lock script expects, in property-local time.
const timeLayout = "2006-01-02 15:04"

// Runner executes a program and returns its captured output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args, killing it when ctx is done.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// commandResult is the JSON line the lock script prints last.
type commandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Step    string `json:"step"`
	Count   int    `json:"count"`
	Battery any    `json:"battery"`
	UserID  string `json:"user_id"`
}

// CommandController drives the lock through an external script, run either
// locally under bash or on a remote host over ssh.
type CommandController struct {
	cfg    config.LockConfig
	loc    *time.Location
	runner Runner
	retry  RetryPolicy
	logger zerolog.Logger
}

// NewCommandController creates a controller. loc is the property timezone used
// to format check-in and check-out times for the script. runner may be nil.
func NewCommandController(cfg config.LockConfig, loc *time.Location, runner Runner) *CommandController {
	if runner == nil {
		runner = ExecRunner{}
	}
	if loc == nil {
		loc = time.Local
	}
	c := &CommandController{
		cfg:    cfg,
		loc:    loc,
		runner: runner,
		logger: log.WithComponent("lock"),
	}
	c.retry = RetryPolicy{
		MaxRetries: cfg.Retries,
		Delay:      cfg.RetryDelay,
		OnRetry: func(attempt int, err error) {
			c.logger.Warn().Err(err).Int("attempt", attempt).Int("max", cfg.Retries).Msg("retrying lock command")
		},
	}
	return c
}

// AddUser creates a temporary user valid from check-in to check-out.
func (c *CommandController) AddUser(ctx context.Context, u User) (string, error) {
	var ref string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		res, err := c.run(ctx, "add",
			"--name", u.Name,
			"--code", u.Code,
			"--checkin", u.CheckIn.In(c.loc).Format(timeLayout),
			"--checkout", u.CheckOut.In(c.loc).Format(timeLayout),
		)
		if err != nil {
			return err
		}
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = fmt.Sprintf("failed to add user on lock (step: %s)", orUnknown(res.Step))
			}
			return fmt.Errorf("%w: %s", ErrCommandFailed, msg)
		}
		ref = res.UserID
		return nil
	})
	if err != nil {
		return "", err
	}
	if ref == "" {
		ref = u.Name
	}
	return ref, nil
}

// DeleteUser removes the user with the given name.
func (c *CommandController) DeleteUser(ctx context.Context, name string) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		res, err := c.run(ctx, "delete", "--name", name)
		if err != nil {
			return err
		}
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "failed to delete user from lock"
			}
			return fmt.Errorf("%w: %s", ErrCommandFailed, msg)
		}
		return nil
	})
}

// Status lists users and reads the battery level. It is not retried.
func (c *CommandController) Status(ctx context.Context) (Status, error) {
	res, err := c.run(ctx, "list")
	if err != nil {
		return Status{}, err
	}
	if !res.Success {
		return Status{}, fmt.Errorf("%w: %s", ErrCommandFailed, orUnknown(res.Error))
	}
	st := Status{Count: res.Count}
	if res.Battery != nil {
		st.Battery = fmt.Sprint(res.Battery)
	}
	return st, nil
}

func (c *CommandController) run(ctx context.Context, args ...string) (commandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	script := "python3 " + c.cfg.ScriptPath + " " + joinEscaped(args)
	if c.cfg.VenvPath != "" {
		script = "source " + c.cfg.VenvPath + " && " + script
	}

	c.logger.Info().Str("mode", c.cfg.Mode).Str("args", sanitize(args)).Msg("running lock script")

	start := time.Now()
	var stdout, stderr []byte
	var err error
	if c.cfg.Mode == "ssh" {
		sshArgs := append(append([]string{}, sshOptions...), c.cfg.SSHHost, script)
		stdout, stderr, err = c.runner.Run(ctx, "ssh", sshArgs...)
	} else {
		stdout, stderr, err = c.runner.Run(ctx, "bash", "-c", script)
	}
	metrics.LockCommandDuration.WithLabelValues(args[0]).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.LockCommandsTotal.WithLabelValues(args[0], "error").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return commandResult{}, fmt.Errorf("lock script timed out after %s: %w", c.cfg.Timeout, ctx.Err())
		}
		for _, res := range jsonLines(stdout) {
			if !res.Success && res.Error != "" {
				return commandResult{}, fmt.Errorf("%w: %s", ErrCommandFailed, res.Error)
			}
		}
		return commandResult{}, fmt.Errorf("lock script error: %v: %s", err, strings.TrimSpace(string(stderr)))
	}

	lines := jsonLines(stdout)
	if len(lines) == 0 {
		metrics.LockCommandsTotal.WithLabelValues(args[0], "ok").Inc()
		return commandResult{Success: true}, nil
	}
	res := lines[len(lines)-1]
	outcome := "ok"
	if !res.Success {
		outcome = "error"
	}
	metrics.LockCommandsTotal.WithLabelValues(args[0], outcome).Inc()
	return res, nil
}

// jsonLines decodes every stdout line that is a JSON object, in order.
func jsonLines(stdout []byte) []commandResult {
	var out []commandResult
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res commandResult
		if err := json.Unmarshal([]byte(line), &res); err == nil {
			out = append(out, res)
		}
	}
	return out
}

func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func joinEscaped(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if i == 0 {
			parts[i] = a
			continue
		}
		parts[i] = shellEscape(a)
	}
	return strings.Join(parts, " ")
}

// sanitize renders args for logging with the door code masked.
func sanitize(args []string) string {
	parts := make([]string, len(args))
	copy(parts, args)
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "--code" {
			parts[i+1] = "***"
		}
	}
	return strings.Join(parts, " ")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guestkey/config"
)

type call struct {
	name string
	args []string
}

// fakeRunner replays canned outputs, one per call.
type fakeRunner struct {
	calls   []call
	outputs []fakeOutput
}

type fakeOutput struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	out := f.outputs[0]
	if len(f.outputs) > 1 {
		f.outputs = f.outputs[1:]
	}
	return []byte(out.stdout), []byte(out.stderr), out.err
}

func testConfig() config.LockConfig {
	return config.LockConfig{
		Mode:       "local",
		ScriptPath: "~/guestkey/air_lock.py",
		Timeout:    time.Second,
		Retries:    2,
		RetryDelay: time.Millisecond,
	}
}

func testUser() User {
	return User{
		Name:     "Airbnb-Feb14",
		Code:     "123456",
		CheckIn:  time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC),
		CheckOut: time.Date(2026, 2, 17, 11, 0, 0, 0, time.UTC),
	}
}

func TestAddUser_Local(t *testing.T) {
	runner := &fakeRunner{outputs: []fakeOutput{{stdout: "Logging in...\n{\"success\": true, \"action\": \"add\", \"step\": \"complete\"}\n"}}}
	c := NewCommandController(testConfig(), time.UTC, runner)

	ref, err := c.AddUser(context.Background(), testUser())
	require.NoError(t, err)
	assert.Equal(t, "Airbnb-Feb14", ref)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "bash", runner.calls[0].name)
	script := runner.calls[0].args[1]
	assert.Equal(t, "-c", runner.calls[0].args[0])
	assert.True(t, strings.HasPrefix(script, "python3 ~/guestkey/air_lock.py add "))
	assert.Contains(t, script, "'--checkin' '2026-02-14 15:00'")
	assert.Contains(t, script, "'--code' '123456'")
}

func TestAddUser_SSHWithVenv(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "ssh"
	cfg.SSHHost = "pi@lockhost"
	cfg.VenvPath = "~/venv/bin/activate"
	runner := &fakeRunner{outputs: []fakeOutput{{stdout: `{"success": true, "user_id": "u-77"}`}}}
	c := NewCommandController(cfg, time.UTC, runner)

	ref, err := c.AddUser(context.Background(), testUser())
	require.NoError(t, err)
	assert.Equal(t, "u-77", ref)

	got := runner.calls[0]
	assert.Equal(t, "ssh", got.name)
	assert.Contains(t, got.args, "StrictHostKeyChecking=accept-new")
	assert.Contains(t, got.args, "pi@lockhost")
	assert.True(t, strings.HasPrefix(got.args[len(got.args)-1], "source ~/venv/bin/activate && python3 "))
}

func TestAddUser_RetriesThenFails(t *testing.T) {
	runner := &fakeRunner{outputs: []fakeOutput{
		{stdout: `{"success": false, "error": "login failed"}`, err: errors.New("exit status 1")},
	}}
	c := NewCommandController(testConfig(), time.UTC, runner)

	_, err := c.AddUser(context.Background(), testUser())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "login failed")
	assert.Len(t, runner.calls, 3, "one attempt plus two retries")
}

func TestAddUser_RecoversOnRetry(t *testing.T) {
	runner := &fakeRunner{outputs: []fakeOutput{
		{stderr: "connection reset", err: errors.New("exit status 255")},
		{stdout: `{"success": true}`},
	}}
	c := NewCommandController(testConfig(), time.UTC, runner)

	_, err := c.AddUser(context.Background(), testUser())
	require.NoError(t, err)
	assert.Len(t, runner.calls, 2)
}

func TestAddUser_ReportedFailureStep(t *testing.T) {
	runner := &fakeRunner{outputs: []fakeOutput{{stdout: `{"success": false, "step": "add-access"}`}}}
	cfg := testConfig()
	cfg.Retries = 0
	c := NewCommandController(cfg, time.UTC, runner)

	_, err := c.AddUser(context.Background(), testUser())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step: add-access")
}

func TestDeleteUser(t *testing.T) {
	runner := &fakeRunner{outputs: []fakeOutput{{stdout: `{"success": true, "action": "delete"}`}}}
	c := NewCommandController(testConfig(), time.UTC, runner)

	require.NoError(t, c.DeleteUser(context.Background(), "O'Brien-Feb14"))
	assert.Contains(t, runner.calls[0].args[1], `'O'\''Brien-Feb14'`)
}

func TestStatus(t *testing.T) {
	testCases := []struct {
		name    string
		stdout  string
		battery string
	}{
		{name: "string battery", stdout: `{"success": true, "count": 3, "battery": "Low"}`, battery: "Low"},
		{name: "numeric battery", stdout: `{"success": true, "count": 3, "battery": 35}`, battery: "35"},
		{name: "no battery", stdout: `{"success": true, "count": 3}`, battery: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{outputs: []fakeOutput{{stdout: tc.stdout}}}
			c := NewCommandController(testConfig(), time.UTC, runner)

			st, err := c.Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 3, st.Count)
			assert.Equal(t, tc.battery, st.Battery)
		})
	}
}

func TestSanitize(t *testing.T) {
	got := sanitize([]string{"add", "--name", "x", "--code", "654321"})
	assert.Equal(t, "add --name x --code ***", got)
}

func TestRetryPolicy_StopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := RetryPolicy{MaxRetries: 5, Delay: time.Hour}
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/skaldworks/weft"
)

// builtinHandlers returns the handlers available to workflow files run
// from the command line.
func builtinHandlers() map[string]weft.TaskHandler {
	return map[string]weft.TaskHandler{
		"echo":  weft.NewHandlerFunc("echo", echoHandler),
		"sleep": weft.NewHandlerFunc("sleep", sleepHandler),
		"shell": weft.NewHandlerFunc("shell", shellHandler),
	}
}

// echoHandler returns its "message" argument, or the whole argument map
// when none is given.
func echoHandler(_ context.Context, _ weft.Task, args map[string]interface{}, _ *weft.ExecutionContext) (*weft.HandlerResult, error) {
	if msg, ok := args["message"]; ok {
		return &weft.HandlerResult{Output: msg}, nil
	}
	return &weft.HandlerResult{Output: args}, nil
}

// sleepHandler blocks for the "duration" argument (a Go duration string
// or a number of seconds).
func sleepHandler(ctx context.Context, _ weft.Task, args map[string]interface{}, _ *weft.ExecutionContext) (*weft.HandlerResult, error) {
	d, err := durationArg(args["duration"])
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &weft.HandlerResult{Output: d.String()}, nil
	}
}

// shellHandler runs the "command" argument through sh -c in the run's
// working directory.
func shellHandler(ctx context.Context, _ weft.Task, args map[string]interface{}, execCtx *weft.ExecutionContext) (*weft.HandlerResult, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return nil, fmt.Errorf("shell handler requires a 'command' argument")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if execCtx != nil {
		cmd.Dir = execCtx.WorkDir
		cmd.Env = os.Environ()
		for k, v := range execCtx.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("command failed: %w (output: %s)", err, string(out))
	}
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return &weft.HandlerResult{
		Output: map[string]interface{}{
			"stdout":   string(out),
			"exitCode": exitCode,
		},
	}, nil
}

func durationArg(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case nil:
		return 0, fmt.Errorf("sleep handler requires a 'duration' argument")
	default:
		return 0, fmt.Errorf("unsupported duration value %v", v)
	}
}

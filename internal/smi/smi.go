// Package smi invokes the nvidia-smi command line tool and hands back its raw
// text output. Interpretation of that text lives with the consumers.
package smi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrUnavailable wraps every failure to obtain output from nvidia-smi.
var ErrUnavailable = errors.New("nvidia-smi unavailable")

// GPUQueryFields is the column order requested by QueryGPUs.
var GPUQueryFields = []string{
	"index",
	"name",
	"pci.bus_id",
	"pci.device_id",
	"pci.sub_device_id",
	"temperature.gpu",
	"utilization.gpu",
	"memory.used",
	"memory.total",
	"power.draw",
}

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// Options configures a Client.
type Options struct {
	Binary  string
	Timeout time.Duration
	Runner  Runner
	Logger  *slog.Logger
}

// Client issues the nvidia-smi invocations the service relies on.
type Client struct {
	binary  string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

// New constructs a Client, applying defaults for unset options.
func New(opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = "nvidia-smi"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		binary:  opts.Binary,
		timeout: opts.Timeout,
		runner:  opts.Runner,
		logger:  opts.Logger.With("component", "smi"),
	}
}

// ComputeApps lists compute processes as "pid, used_memory, process_name"
// CSV rows. The name column is last so names containing commas survive.
func (c *Client) ComputeApps(ctx context.Context) (string, error) {
	return c.run(ctx, "--query-compute-apps=pid,used_memory,process_name", "--format=csv,noheader,nounits")
}

// ProcessMonitor takes a single pmon sample including the memory column.
func (c *Client) ProcessMonitor(ctx context.Context) (string, error) {
	return c.run(ctx, "pmon", "-c", "1", "-s", "m")
}

// StatusDump returns the default human readable status report, whose tail
// holds the process table.
func (c *Client) StatusDump(ctx context.Context) (string, error) {
	return c.run(ctx)
}

// QueryGPUs returns one CSV row per device in GPUQueryFields order.
func (c *Client) QueryGPUs(ctx context.Context) (string, error) {
	return c.run(ctx, "--query-gpu="+strings.Join(GPUQueryFields, ","), "--format=csv,noheader,nounits")
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.runner.Run(ctx, c.binary, args...)
	if err != nil {
		c.logger.Debug("nvidia-smi failed", "args", args, "err", err, "duration", time.Since(start))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.logger.Debug("nvidia-smi completed", "args", args, "bytes", len(out), "duration", time.Since(start))
	return string(out), nil
}

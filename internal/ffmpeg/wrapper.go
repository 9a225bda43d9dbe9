package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxStderrLines bounds the stderr tail kept for error reports.
const maxStderrLines = 20

// Command represents an ffmpeg invocation.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	mu          sync.Mutex
	started     time.Time
	finished    time.Time
	stderrLines []string
}

// CommandBuilder builds ffmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new ffmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input sets the input path or URL.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arguments placed before -i.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Map selects input streams, e.g. "0:v?".
func (b *CommandBuilder) Map(spec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-map", spec)
	return b
}

// CopyCodecs copies every selected stream without re-encoding.
func (b *CommandBuilder) CopyCodecs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c", "copy")
	return b
}

// MovFlags sets MP4 muxer flags, e.g. "+faststart".
func (b *CommandBuilder) MovFlags(flags string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-movflags", flags)
	return b
}

// Format forces the output container.
func (b *CommandBuilder) Format(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", format)
	return b
}

// OutputArgs adds arguments placed before the output path.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output path.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, b.globalArgs...)
	args = append(args, "-loglevel", b.logLevel)
	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
		Input:  b.input,
		Output: b.output,
	}
}

// NewRemuxCommand builds the stream-copy remux of input into a
// progressive-download MP4 at output. Missing audio or video is tolerated.
func NewRemuxCommand(ffmpegPath, input, output string) *Command {
	return NewCommandBuilder(ffmpegPath).
		HideBanner().
		LogLevel("error").
		Overwrite().
		Input(input).
		Map("0:v?").
		Map("0:a?").
		CopyCodecs().
		MovFlags("+faststart").
		Format("mp4").
		Output(output).
		Build()
}

// String returns the command line.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run executes the command and waits for it. A non-zero exit returns an
// error that includes the tail of stderr.
func (c *Command) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	c.mu.Lock()
	c.started = time.Now()
	c.finished = time.Time{}
	c.stderrLines = nil
	c.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	done := make(chan struct{})
	go c.captureStderr(stderr, done)
	<-done

	err = cmd.Wait()

	c.mu.Lock()
	c.finished = time.Now()
	c.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}
		if tail := strings.Join(c.StderrLines(), "\n"); tail != "" {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, tail)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

// captureStderr keeps the last maxStderrLines lines of r.
func (c *Command) captureStderr(r io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := string(bytes.TrimSpace(scanner.Bytes()))
		if line == "" {
			continue
		}
		c.mu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.mu.Unlock()
	}
}

// StderrLines returns the recent stderr lines captured from ffmpeg.
func (c *Command) StderrLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// Duration returns how long the last run took, or has been running.
func (c *Command) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.IsZero() {
		return 0
	}
	if c.finished.IsZero() {
		return time.Since(c.started)
	}
	return c.finished.Sub(c.started)
}

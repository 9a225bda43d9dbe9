package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRemuxCommand(t *testing.T) {
	cmd := NewRemuxCommand("/usr/bin/ffmpeg", "/work/source", "/work/output.mp4")

	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", "/work/source",
		"-map", "0:v?", "-map", "0:a?",
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		"/work/output.mp4",
	}, cmd.Args)
	assert.Equal(t, "/work/source", cmd.Input)
	assert.Equal(t, "/work/output.mp4", cmd.Output)
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		InputArgs("-analyzeduration", "10M").
		Input("in.mkv").
		OutputArgs("-t", "5").
		Output("out.mp4").
		Build()

	assert.Equal(t, []string{"-loglevel", "error", "-analyzeduration", "10M", "-i", "in.mkv", "-t", "5", "out.mp4"}, cmd.Args)
	assert.Equal(t, "ffmpeg -loglevel error -analyzeduration 10M -i in.mkv -t 5 out.mp4", cmd.String())
}

func TestParseVersionOutput(t *testing.T) {
	t.Run("release build", func(t *testing.T) {
		out := "ffmpeg version 6.1.1 Copyright (c) 2000-2023 the FFmpeg developers\n" +
			"built with gcc 13.2.1 (GCC) 20230801\n" +
			"configuration: --prefix=/usr --enable-gpl\n"

		info, err := parseVersionOutput(out)
		require.NoError(t, err)
		assert.Equal(t, "6.1.1", info.Version)
		assert.Equal(t, 6, info.MajorVersion)
		assert.Equal(t, 1, info.MinorVersion)
		assert.Equal(t, "gcc 13.2.1 (GCC) 20230801", info.BuildDate)
		assert.Equal(t, "--prefix=/usr --enable-gpl", info.Configuration)
	})

	t.Run("git build", func(t *testing.T) {
		info, err := parseVersionOutput("ffmpeg version n7.0-12-gabcdef Copyright\n")
		require.NoError(t, err)
		assert.Equal(t, 7, info.MajorVersion)
		assert.Equal(t, 0, info.MinorVersion)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseVersionOutput("not ffmpeg at all")
		assert.Error(t, err)
	})
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestFindBinary(t *testing.T) {
	t.Run("configured path wins", func(t *testing.T) {
		script := writeScript(t, "exit 0")
		t.Setenv(BinaryEnvVar, "/nonexistent")

		path, err := FindBinary(script, "ffmpeg", BinaryEnvVar)
		require.NoError(t, err)
		assert.Equal(t, script, path)
	})

	t.Run("configured path must be executable", func(t *testing.T) {
		_, err := FindBinary(filepath.Join(t.TempDir(), "missing"), "ffmpeg", BinaryEnvVar)
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("env var before PATH", func(t *testing.T) {
		script := writeScript(t, "exit 0")
		t.Setenv("VIDRELAY_TEST_BINARY", script)

		path, err := FindBinary("", "sh", "VIDRELAY_TEST_BINARY")
		require.NoError(t, err)
		assert.Equal(t, script, path)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := FindBinary("", "vidrelay-no-such-binary", "")
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})
}

func TestBinaryDetector_Detect(t *testing.T) {
	script := writeScript(t, `echo "ffmpeg version 6.0 Copyright (c) the FFmpeg developers"`)

	d := NewBinaryDetector(script)
	info, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, script, info.FFmpegPath)
	assert.Equal(t, "6.0", info.Version)

	again, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Same(t, info, again, "detection result is cached")

	d.Clear()
	fresh, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, info, fresh)
}

func TestCommand_Run(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		script := writeScript(t, "exit 0")
		cmd := NewRemuxCommand(script, "in", "out")
		require.NoError(t, cmd.Run(context.Background()))
		assert.Empty(t, cmd.StderrLines())
	})

	t.Run("failure keeps stderr tail", func(t *testing.T) {
		script := writeScript(t, `echo "Invalid data found when processing input" >&2; exit 1`)
		cmd := NewRemuxCommand(script, "in", "out")

		err := cmd.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid data found when processing input")
		assert.Equal(t, []string{"Invalid data found when processing input"}, cmd.StderrLines())
	})

	t.Run("cancelled context", func(t *testing.T) {
		script := writeScript(t, "sleep 5")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := NewRemuxCommand(script, "in", "out").Run(ctx)
		assert.Error(t, err)
	})
}

package videox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FFmpegPath and FFprobePath can be overridden if the tools are not in $PATH
var FFmpegPath = "ffmpeg"
var FFprobePath = "ffprobe"

// Extract a single frame from a video file and return the JPEG bytes
// If outputWidth is zero, then we use the same width as the input video
func ExtractFrame(ctx context.Context, srcFilename string, atSecond float64, outputWidth int) ([]byte, error) {
	tmp, err := os.CreateTemp("", "personclip-frame-*.jpg")
	if err != nil {
		return nil, err
	}
	tmpFilename := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpFilename)
	args := []string{
		"-ss",
		fmt.Sprintf("%.3f", atSecond),
		"-i",
		srcFilename,
	}
	if outputWidth > 0 {
		args = append(args,
			"-vf",
			fmt.Sprintf("scale=%v:-1", outputWidth),
		)
	}
	args = append(args,
		"-y",
		"-frames:v",
		"1",
		"-q:v",
		"8",
		tmpFilename,
	)
	_, err = RunAppCombinedOutput(ctx, FFmpegPath, args)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(tmpFilename)
}

// app_name is an executable, such as "ffmpeg" or "ffprobe"
// args must not include the executable name as the first parameter
// Returns the string output from exec.Cmd's "CombinedOutput" method.
func RunAppCombinedOutput(ctx context.Context, app_name string, args []string) ([]byte, error) {
	cmd, err := makeAppCommand(ctx, app_name, args)
	if err != nil {
		return nil, err
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%v execution failed: %w (%v)", filepath.Base(app_name), err, string(out))
	}
	return out, nil
}

// Like RunAppCombinedOutput, but stderr is not mixed into the returned output
func RunAppOutput(ctx context.Context, app_name string, args []string) ([]byte, error) {
	cmd, err := makeAppCommand(ctx, app_name, args)
	if err != nil {
		return nil, err
	}
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) != 0 {
			return nil, fmt.Errorf("%v execution failed: %w (%v)", filepath.Base(app_name), err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%v execution failed: %w", filepath.Base(app_name), err)
	}
	return out, nil
}

func makeAppCommand(ctx context.Context, app_name string, args []string) (*exec.Cmd, error) {
	app_path, err := exec.LookPath(app_name)
	if err != nil {
		return nil, fmt.Errorf("Unable to find '%v' in your path (%w)", app_name, err)
	}
	return exec.CommandContext(ctx, app_path, args...), nil
}

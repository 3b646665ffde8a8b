package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apkforge/apkforge/pkg/api"
)

// Runner wraps the external APK tooling: the decompiler/repackager (apktool)
// and the re-signer (uber-apk-signer). Both are invoked as subprocesses and
// treated as opaque; the service only cares about their exit status and the
// files they leave behind.
type Runner struct {
	apktool string
	signer  string
	logger  *logrus.Logger
}

// NewRunner creates a new tool runner
func NewRunner(apktool, signer string, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Runner{
		apktool: apktool,
		signer:  signer,
		logger:  logger,
	}
}

// Verify checks that both tools are present on the PATH and reports their
// versions. A missing tool is a startup error, not something to discover
// mid-build.
func (r *Runner) Verify(ctx context.Context) ([]api.ToolInfo, error) {
	infos := make([]api.ToolInfo, 0, 2)

	apktoolPath, err := exec.LookPath(r.apktool)
	if err != nil {
		return nil, fmt.Errorf("apktool not found: %w", err)
	}
	apktoolVersion, err := r.version(ctx, r.apktool, "--version")
	if err != nil {
		return nil, fmt.Errorf("apktool version check failed: %w", err)
	}
	infos = append(infos, api.ToolInfo{Name: "apktool", Path: apktoolPath, Version: apktoolVersion})

	signerPath, err := exec.LookPath(r.signer)
	if err != nil {
		return nil, fmt.Errorf("uber-apk-signer not found: %w", err)
	}
	signerVersion, err := r.version(ctx, r.signer, "--version")
	if err != nil {
		return nil, fmt.Errorf("uber-apk-signer version check failed: %w", err)
	}
	infos = append(infos, api.ToolInfo{Name: "uber-apk-signer", Path: signerPath, Version: signerVersion})

	r.logger.WithFields(logrus.Fields{
		"apktool": apktoolVersion,
		"signer":  signerVersion,
	}).Info("External tools verified")

	return infos, nil
}

// Decompile unpacks an APK into an editable resource tree
func (r *Runner) Decompile(ctx context.Context, apkPath, outDir string) error {
	return r.run(ctx, r.apktool, "d", apkPath, "-o", outDir, "-f")
}

// Build reassembles a resource tree into an unsigned APK
func (r *Runner) Build(ctx context.Context, dir, outApk string) error {
	return r.run(ctx, r.apktool, "b", dir, "-o", outApk)
}

// Sign re-signs an APK so it can be installed on a device. The signer writes
// its output into outDir with its own naming scheme.
func (r *Runner) Sign(ctx context.Context, apkPath, outDir string) error {
	return r.run(ctx, r.signer, "-a", apkPath, "-o", outDir, "--allowResign")
}

// run executes a tool and surfaces its stderr in the error on failure
func (r *Runner) run(ctx context.Context, name string, args ...string) error {
	r.logger.WithFields(logrus.Fields{
		"tool": name,
		"args": strings.Join(args, " "),
	}).Debug("Running external tool")

	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s %s failed: %s: %w", name, args[0], msg, err)
		}
		return fmt.Errorf("%s %s failed: %w", name, args[0], err)
	}

	return nil
}

// version runs a tool with its version flag and returns the first line of output
func (r *Runner) version(ctx context.Context, name string, flag string) (string, error) {
	cmd := exec.CommandContext(ctx, name, flag)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", err
	}

	line := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	return line, nil
}

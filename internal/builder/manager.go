// Package builder turns a user ID and a website URL into a signed,
// user-specific APK derived from the base artifact.
package builder

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// signedSuffix is the naming scheme uber-apk-signer uses for its output
const signedSuffix = "-aligned-debugSigned.apk"

// ToolRunner runs the external APK tools
type ToolRunner interface {
	Decompile(ctx context.Context, apkPath, outDir string) error
	Build(ctx context.Context, dir, outApk string) error
	Sign(ctx context.Context, apkPath, outDir string) error
}

// BaseProvider supplies the base APK path, fetching it if necessary
type BaseProvider interface {
	Ensure(ctx context.Context) (string, error)
}

// Request describes one build
type Request struct {
	UserID int64
	URL    string
}

// Result is a finished build. Cleanup removes the build workspace and must
// be called once the output file has been consumed.
type Result struct {
	Path    string
	Name    string
	Size    int64
	Cleanup func()
}

// Manager runs the APK build pipeline
type Manager struct {
	base   BaseProvider
	runner ToolRunner
	logger *logrus.Logger
}

// NewManager creates a new build manager
func NewManager(base BaseProvider, runner ToolRunner, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Manager{
		base:   base,
		runner: runner,
		logger: logger,
	}
}

// ValidateRequest checks a request before any tool runs
func ValidateRequest(req Request) error {
	if req.UserID <= 0 {
		return fmt.Errorf("user ID must be positive, got %d", req.UserID)
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("URL must be absolute http or https, got %q", req.URL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL has no host: %q", req.URL)
	}
	return nil
}

// Build runs the full pipeline: decompile the base APK, embed the user's
// data into its assets, rebuild, re-sign and rename the signed output.
func (m *Manager) Build(ctx context.Context, req Request) (*Result, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	baseAPK, err := m.base.Ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("base APK unavailable: %w", err)
	}

	log := m.logger.WithField("user_id", req.UserID)
	log.Info("Starting APK build")

	workspace, err := os.MkdirTemp("", "apkforge-build-")
	if err != nil {
		return nil, fmt.Errorf("failed to create build workspace: %w", err)
	}

	result, err := m.build(ctx, req, baseAPK, workspace, log)
	if err != nil {
		os.RemoveAll(workspace)
		return nil, err
	}
	return result, nil
}

// build runs the pipeline steps inside an existing workspace
func (m *Manager) build(ctx context.Context, req Request, baseAPK, workspace string, log *logrus.Entry) (*Result, error) {
	decompiledDir := filepath.Join(workspace, "decompiled")

	log.Info("Decompiling base APK")
	if err := m.runner.Decompile(ctx, baseAPK, decompiledDir); err != nil {
		return nil, fmt.Errorf("decompile failed: %w", err)
	}

	log.Info("Embedding user assets")
	if err := writeAssets(decompiledDir, req); err != nil {
		return nil, err
	}

	unsignedAPK := filepath.Join(workspace, "unsigned.apk")
	log.Info("Rebuilding APK")
	if err := m.runner.Build(ctx, decompiledDir, unsignedAPK); err != nil {
		return nil, fmt.Errorf("rebuild failed: %w", err)
	}

	log.Info("Signing APK")
	if err := m.runner.Sign(ctx, unsignedAPK, workspace); err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}

	signedAPK, err := findSigned(workspace)
	if err != nil {
		return nil, err
	}

	outputName := fmt.Sprintf("magnet_%d.apk", req.UserID)
	outputPath := filepath.Join(workspace, outputName)
	if err := os.Rename(signedAPK, outputPath); err != nil {
		return nil, fmt.Errorf("failed to rename signed APK: %w", err)
	}

	stat, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat output APK: %w", err)
	}

	log.WithFields(logrus.Fields{
		"output": outputName,
		"size":   stat.Size(),
	}).Info("APK build finished")

	return &Result{
		Path:    outputPath,
		Name:    outputName,
		Size:    stat.Size(),
		Cleanup: func() { os.RemoveAll(workspace) },
	}, nil
}

// writeAssets embeds the user ID and URL into the decompiled tree. The base
// app reads both files from its assets at runtime.
func writeAssets(decompiledDir string, req Request) error {
	assetsDir := filepath.Join(decompiledDir, "assets")
	if err := os.MkdirAll(assetsDir, 0755); err != nil {
		return fmt.Errorf("failed to create assets directory: %w", err)
	}

	idPath := filepath.Join(assetsDir, "id.txt")
	if err := os.WriteFile(idPath, []byte(strconv.FormatInt(req.UserID, 10)), 0644); err != nil {
		return fmt.Errorf("failed to write id asset: %w", err)
	}

	urlPath := filepath.Join(assetsDir, "url.txt")
	if err := os.WriteFile(urlPath, []byte(req.URL), 0644); err != nil {
		return fmt.Errorf("failed to write url asset: %w", err)
	}

	return nil
}

// findSigned locates the signer's output in the workspace
func findSigned(workspace string) (string, error) {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return "", fmt.Errorf("failed to read workspace: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), signedSuffix) {
			return filepath.Join(workspace, entry.Name()), nil
		}
	}

	return "", fmt.Errorf("signed APK not found in workspace")
}

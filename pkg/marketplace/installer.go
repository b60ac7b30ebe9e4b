package marketplace

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/merchkit/courier/pkg/config"
	"github.com/merchkit/courier/pkg/log"
	"github.com/merchkit/courier/pkg/manager"
	"github.com/merchkit/courier/pkg/metrics"
	"github.com/merchkit/courier/pkg/storage"
	"github.com/rs/zerolog"
)

var (
	// ErrChecksumMismatch marks a downloaded archive disagreeing with
	// the supplied SHA-256 checksum
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
	// ErrNotInstalled marks an uninstall of a plugin that is not present
	ErrNotInstalled = errors.New("plugin not installed")
	// ErrNoWritableDirectory marks the absence of a writable plugin directory
	ErrNoWritableDirectory = errors.New("no writable plugin directory")
)

// requirementsFile declares additional runtime dependencies a plugin
// wants installed after extraction
const requirementsFile = "requirements.txt"

// Request describes one plugin installation. SourceURL and
// ChecksumSHA256 override the marketplace metadata when supplied.
type Request struct {
	Name           string
	SourceURL      string
	ChecksumSHA256 string
}

// DependencyInstaller installs the dependencies a plugin declares in its
// requirements file. It runs off the dispatch path.
type DependencyInstaller func(ctx context.Context, requirementsPath string) error

// defaultDependencyInstaller shells out to pip, matching what plugin
// authors ship in requirements.txt today.
func defaultDependencyInstaller(ctx context.Context, requirementsPath string) error {
	cmd := exec.CommandContext(ctx, "pip3", "install", "--requirement", requirementsPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("dependency installation failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Installer coordinates end-to-end plugin installation: resolve the
// download, verify, extract, install dependencies, enable in config, and
// reconcile the plugin manager.
type Installer struct {
	store   *config.Store
	manager *manager.Manager
	client  *Client
	records storage.Store
	deps    DependencyInstaller
	logger  zerolog.Logger
}

// InstallerOption configures an Installer
type InstallerOption func(*Installer)

// WithClient wires the marketplace client used to resolve metadata
func WithClient(client *Client) InstallerOption {
	return func(i *Installer) { i.client = client }
}

// WithRecordStore wires the install ledger
func WithRecordStore(records storage.Store) InstallerOption {
	return func(i *Installer) { i.records = records }
}

// WithDependencyInstaller replaces the default dependency installer
func WithDependencyInstaller(deps DependencyInstaller) InstallerOption {
	return func(i *Installer) { i.deps = deps }
}

// NewInstaller creates an installer over the config store and manager
func NewInstaller(store *config.Store, mgr *manager.Manager, opts ...InstallerOption) *Installer {
	installer := &Installer{
		store:   store,
		manager: mgr,
		deps:    defaultDependencyInstaller,
		logger:  log.WithComponent("plugin_installer"),
	}
	for _, opt := range opts {
		opt(installer)
	}
	return installer
}

// Install downloads, verifies, and extracts the plugin archive, installs
// declared dependencies, enables the plugin in the configuration, and
// reloads the manager. On failure after extraction the extracted tree is
// removed and the original error surfaces. It returns the new effective
// configuration.
func (i *Installer) Install(ctx context.Context, request Request) (*config.Config, error) {
	timer := metrics.NewTimer()
	cfg, err := i.install(ctx, request)
	timer.ObserveDuration(metrics.InstallDuration)
	if err != nil {
		metrics.InstallsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.InstallsTotal.WithLabelValues("success").Inc()
	return cfg, nil
}

func (i *Installer) install(ctx context.Context, request Request) (*config.Config, error) {
	if request.Name == "" {
		return nil, fmt.Errorf("plugin name must not be empty")
	}

	cfg, err := i.store.Load(true)
	if err != nil {
		return nil, err
	}

	downloadURL, checksum, err := i.resolveDownloadInfo(ctx, request)
	if err != nil {
		return nil, err
	}

	targetDir, err := resolveTargetDirectory(cfg)
	if err != nil {
		return nil, err
	}

	extractedPath, err := i.downloadAndExtract(ctx, request.Name, downloadURL, targetDir, checksum, cfg.Marketplace.Timeout())
	if err != nil {
		return nil, err
	}

	updated, err := i.finishInstall(ctx, request.Name, extractedPath)
	if err != nil {
		os.RemoveAll(extractedPath)
		return nil, err
	}

	if i.records != nil {
		record := &storage.InstallRecord{
			Name:           request.Name,
			SourceURL:      downloadURL,
			ChecksumSHA256: checksum,
			InstalledAt:    time.Now().UTC(),
		}
		if err := i.records.PutInstallRecord(record); err != nil {
			i.logger.Warn().Err(err).Str("plugin", request.Name).Msg("Failed to write install record")
		}
	}

	i.logger.Info().
		Str("plugin", request.Name).
		Str("source", downloadURL).
		Str("directory", extractedPath).
		Msg("Plugin installed")

	return updated, nil
}

func (i *Installer) finishInstall(ctx context.Context, name, extractedPath string) (*config.Config, error) {
	if err := i.installRequirements(ctx, extractedPath); err != nil {
		return nil, err
	}

	updated, err := i.enablePluginInConfig(name)
	if err != nil {
		return nil, err
	}

	if _, err := i.manager.Reload(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// Uninstall removes the plugin directory, drops the plugin from the
// configuration, and reloads the manager. It returns the new effective
// configuration.
func (i *Installer) Uninstall(ctx context.Context, name string) (*config.Config, error) {
	cfg, err := i.store.Load(true)
	if err != nil {
		return nil, err
	}

	pluginDir := locateInstalledPlugin(cfg, name)
	if pluginDir == "" {
		return nil, fmt.Errorf("plugin %q not found in the configured plugin directories: %w", name, ErrNotInstalled)
	}

	if err := os.RemoveAll(pluginDir); err != nil {
		return nil, fmt.Errorf("failed to remove plugin directory: %w", err)
	}

	updated := cfg.Clone()
	delete(updated.Plugins, name)
	updated.EnabledHandlers = removeString(updated.EnabledHandlers, name)
	updated.DisabledHandlers = removeString(updated.DisabledHandlers, name)

	if err := i.store.Save(updated); err != nil {
		return nil, err
	}
	effective, err := i.manager.Reload(ctx)
	if err != nil {
		return nil, err
	}

	if i.records != nil {
		if err := i.records.DeleteInstallRecord(name); err != nil {
			i.logger.Warn().Err(err).Str("plugin", name).Msg("Failed to delete install record")
		}
	}

	i.logger.Info().Str("plugin", name).Str("directory", pluginDir).Msg("Plugin uninstalled")
	return effective, nil
}

// ListMarketplacePlugins lists the remote catalog; empty when the
// marketplace is absent or disabled.
func (i *Installer) ListMarketplacePlugins(ctx context.Context) ([]map[string]any, error) {
	if i.client == nil || !i.client.Enabled() {
		return nil, nil
	}
	return i.client.ListPlugins(ctx)
}

func (i *Installer) resolveDownloadInfo(ctx context.Context, request Request) (string, string, error) {
	if request.SourceURL != "" {
		return request.SourceURL, request.ChecksumSHA256, nil
	}

	if i.client == nil || !i.client.Enabled() {
		return "", "", fmt.Errorf("marketplace is not configured and no source URL was supplied")
	}

	metadata, err := i.client.PluginMetadata(ctx, request.Name)
	if err != nil {
		return "", "", err
	}

	downloadURL, _ := metadata["download_url"].(string)
	if downloadURL == "" {
		return "", "", fmt.Errorf("marketplace metadata for %q does not contain a download_url", request.Name)
	}
	checksum, _ := metadata["checksum_sha256"].(string)
	return downloadURL, checksum, nil
}

// resolveTargetDirectory picks the install destination: the plugin
// directories are probed in reverse order, and the first one that can be
// created and written wins.
func resolveTargetDirectory(cfg *config.Config) (string, error) {
	for idx := len(cfg.PluginDirectories) - 1; idx >= 0; idx-- {
		dir := cfg.PluginDirectories[idx]
		if err := os.MkdirAll(dir, 0755); err != nil {
			continue
		}
		probe, err := os.CreateTemp(dir, ".write-check-*")
		if err != nil {
			continue
		}
		probe.Close()
		os.Remove(probe.Name())
		return dir, nil
	}
	return "", ErrNoWritableDirectory
}

func (i *Installer) downloadAndExtract(ctx context.Context, name, url, targetDir, checksum string, timeout time.Duration) (string, error) {
	tmpDir, err := os.MkdirTemp("", "plugin_download_")
	if err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	archivePath := filepath.Join(tmpDir, name+".zip")
	if err := i.downloadFile(ctx, url, archivePath, timeout); err != nil {
		return "", err
	}

	if checksum != "" {
		if err := verifyChecksum(archivePath, checksum); err != nil {
			return "", err
		}
	}

	extractPath := filepath.Join(targetDir, name)
	if err := os.RemoveAll(extractPath); err != nil {
		return "", fmt.Errorf("failed to clear previous plugin directory: %w", err)
	}

	if err := extractArchive(archivePath, extractPath); err != nil {
		os.RemoveAll(extractPath)
		return "", err
	}

	return extractPath, nil
}

func (i *Installer) downloadFile(ctx context.Context, url, destination string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("plugin download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("plugin download returned %s", resp.Status)
	}

	file, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, resp.Body)
	if err != nil {
		return fmt.Errorf("plugin download failed: %w", err)
	}
	metrics.DownloadBytesTotal.Add(float64(written))
	return nil
}

// verifyChecksum compares the archive SHA-256 against the expected value,
// reading in 1 MiB chunks, case-insensitively.
func verifyChecksum(path, expected string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive for verification: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	buf := make([]byte, 1024*1024)
	// Hide the file's WriterTo so CopyBuffer reads through buf
	if _, err := io.CopyBuffer(hash, struct{ io.Reader }{file}, buf); err != nil {
		return fmt.Errorf("failed to hash archive: %w", err)
	}

	digest := fmt.Sprintf("%x", hash.Sum(nil))
	if !strings.EqualFold(digest, expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, digest)
	}
	return nil
}

// extractArchive unpacks the zip into destination, rejecting entries
// whose normalized path escapes the extraction root.
func extractArchive(archivePath, destination string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open plugin archive: %w", err)
	}
	defer reader.Close()

	root := filepath.Clean(destination)
	for _, entry := range reader.File {
		target := filepath.Join(root, entry.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes the extraction root", entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to extract archive: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to extract archive: %w", err)
		}

		if err := extractFile(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(entry *zip.File, target string) error {
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to extract archive entry %q: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entry.Mode().Perm()|0600)
	if err != nil {
		return fmt.Errorf("failed to extract archive entry %q: %w", entry.Name, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to extract archive entry %q: %w", entry.Name, err)
	}
	return nil
}

// installRequirements runs the dependency installer when the extracted
// tree declares requirements. The work happens on a separate goroutine
// so a slow package manager cannot stall the caller's dispatch path.
func (i *Installer) installRequirements(ctx context.Context, pluginPath string) error {
	requirementsPath := filepath.Join(pluginPath, requirementsFile)
	if _, err := os.Stat(requirementsPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to check plugin requirements: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- i.deps(ctx, requirementsPath)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Installer) enablePluginInConfig(name string) (*config.Config, error) {
	cfg, err := i.store.Load(true)
	if err != nil {
		return nil, err
	}

	updated := cfg.Clone()
	if updated.Plugins == nil {
		updated.Plugins = make(map[string]config.PluginSettings)
	}
	settings := updated.Plugins[name]
	enabled := true
	settings.Enabled = &enabled
	updated.Plugins[name] = settings

	updated.DisabledHandlers = removeString(updated.DisabledHandlers, name)
	if !containsString(updated.EnabledHandlers, name) {
		updated.EnabledHandlers = append(updated.EnabledHandlers, name)
	}

	if err := i.store.Save(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func locateInstalledPlugin(cfg *config.Config, name string) string {
	for _, dir := range cfg.PluginDirectories {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func containsString(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

func removeString(list []string, value string) []string {
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if entry != value {
			out = append(out, entry)
		}
	}
	return out
}

package marketplace

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchkit/courier/pkg/config"
	"github.com/merchkit/courier/pkg/events"
	"github.com/merchkit/courier/pkg/manager"
	"github.com/merchkit/courier/pkg/plugin"
	"github.com/merchkit/courier/pkg/storage"
)

// buildZip assembles an archive from name -> contents entries
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, contents := range files {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

type installFixture struct {
	t         *testing.T
	store     *config.Store
	manager   *manager.Manager
	pluginDir string
	records   *storage.BoltStore
}

func newInstallFixture(t *testing.T) *installFixture {
	t.Helper()

	pluginDir := filepath.Join(t.TempDir(), "plugins")
	configPath := filepath.Join(t.TempDir(), "events.yaml")

	store := config.NewStore(configPath)
	cfg := config.Default()
	cfg.PluginDirectories = []string{pluginDir}
	require.NoError(t, store.Save(cfg))

	records, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	mgr := manager.NewManager(events.NewBus(), store, plugin.NewLoader())

	return &installFixture{
		t:         t,
		store:     store,
		manager:   mgr,
		pluginDir: pluginDir,
		records:   records,
	}
}

func (f *installFixture) installer(opts ...InstallerOption) *Installer {
	opts = append(opts, WithRecordStore(f.records))
	return NewInstaller(f.store, f.manager, opts...)
}

func serveArchive(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestInstall_FromSourceURL(t *testing.T) {
	f := newInstallFixture(t)
	archive := buildZip(t, map[string]string{
		"plugin.so": "fake shared object",
		"README":    "sample plugin",
	})
	server := serveArchive(t, archive)

	cfg, err := f.installer().Install(context.Background(), Request{
		Name:           "sample_plugin",
		SourceURL:      server.URL,
		ChecksumSHA256: sha256Hex(archive),
	})
	require.NoError(t, err)

	// Archive extracted into <dir>/<name>
	assert.FileExists(t, filepath.Join(f.pluginDir, "sample_plugin", "plugin.so"))
	assert.FileExists(t, filepath.Join(f.pluginDir, "sample_plugin", "README"))

	// Config mutated: enabled flag, allow list
	require.NotNil(t, cfg.Plugins["sample_plugin"].Enabled)
	assert.True(t, *cfg.Plugins["sample_plugin"].Enabled)
	assert.Contains(t, cfg.EnabledHandlers, "sample_plugin")
	assert.NotContains(t, cfg.DisabledHandlers, "sample_plugin")

	// Ledger written
	record, err := f.records.GetInstallRecord("sample_plugin")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, server.URL, record.SourceURL)
}

func TestInstall_ChecksumMismatch(t *testing.T) {
	f := newInstallFixture(t)
	archive := buildZip(t, map[string]string{"plugin.so": "contents"})
	server := serveArchive(t, archive)

	before, err := f.store.Load(false)
	require.NoError(t, err)

	_, err = f.installer().Install(context.Background(), Request{
		Name:           "sample_plugin",
		SourceURL:      server.URL,
		ChecksumSHA256: "deadbeef",
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)

	// Target directory never created
	assert.NoDirExists(t, filepath.Join(f.pluginDir, "sample_plugin"))

	// Config untouched
	after, err := f.store.Load(false)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// No ledger entry
	record, err := f.records.GetInstallRecord("sample_plugin")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestInstall_ChecksumCaseInsensitive(t *testing.T) {
	f := newInstallFixture(t)
	archive := buildZip(t, map[string]string{"plugin.so": "contents"})
	server := serveArchive(t, archive)

	upper := fmt.Sprintf("%X", sha256.Sum256(archive))
	_, err := f.installer().Install(context.Background(), Request{
		Name:           "sample_plugin",
		SourceURL:      server.URL,
		ChecksumSHA256: upper,
	})
	require.NoError(t, err)
}

func TestInstall_MetadataFromMarketplace(t *testing.T) {
	f := newInstallFixture(t)
	archive := buildZip(t, map[string]string{"plugin.so": "contents"})
	archiveServer := serveArchive(t, archive)

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/plugins/remote_plugin", r.URL.Path)
		fmt.Fprintf(w, `{"download_url": %q, "checksum_sha256": %q}`, archiveServer.URL, sha256Hex(archive))
	}))
	defer apiServer.Close()

	client := NewClient(testSettings(apiServer.URL, ""))

	_, err := f.installer(WithClient(client)).Install(context.Background(), Request{Name: "remote_plugin"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.pluginDir, "remote_plugin", "plugin.so"))
}

func TestInstall_MissingDownloadURLFails(t *testing.T) {
	f := newInstallFixture(t)

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name": "remote_plugin"}`))
	}))
	defer apiServer.Close()

	client := NewClient(testSettings(apiServer.URL, ""))

	_, err := f.installer(WithClient(client)).Install(context.Background(), Request{Name: "remote_plugin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download_url")
}

func TestInstall_NoMarketplaceAndNoSourceURLFails(t *testing.T) {
	f := newInstallFixture(t)
	_, err := f.installer().Install(context.Background(), Request{Name: "anything"})
	assert.Error(t, err)
}

func TestInstall_TargetDirectoryPickedInReverse(t *testing.T) {
	f := newInstallFixture(t)

	second := filepath.Join(t.TempDir(), "override-plugins")
	cfg, err := f.store.Load(false)
	require.NoError(t, err)
	cfg.PluginDirectories = append(cfg.PluginDirectories, second)
	require.NoError(t, f.store.Save(cfg))

	archive := buildZip(t, map[string]string{"plugin.so": "contents"})
	server := serveArchive(t, archive)

	_, err = f.installer().Install(context.Background(), Request{
		Name:      "sample_plugin",
		SourceURL: server.URL,
	})
	require.NoError(t, err)

	// The last configured directory wins
	assert.DirExists(t, filepath.Join(second, "sample_plugin"))
	assert.NoDirExists(t, filepath.Join(f.pluginDir, "sample_plugin"))
}

func TestInstall_RunsDependencyInstaller(t *testing.T) {
	f := newInstallFixture(t)
	archive := buildZip(t, map[string]string{
		"plugin.so":        "contents",
		"requirements.txt": "requests==2.31.0\n",
	})
	server := serveArchive(t, archive)

	var installedFrom string
	deps := func(ctx context.Context, requirementsPath string) error {
		installedFrom = requirementsPath
		return nil
	}

	_, err := f.installer(WithDependencyInstaller(deps)).Install(context.Background(), Request{
		Name:      "sample_plugin",
		SourceURL: server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.pluginDir, "sample_plugin", "requirements.txt"), installedFrom)
}

func TestInstall_DependencyFailureCleansUpExtractedTree(t *testing.T) {
	f := newInstallFixture(t)
	archive := buildZip(t, map[string]string{
		"plugin.so":        "contents",
		"requirements.txt": "broken\n",
	})
	server := serveArchive(t, archive)

	deps := func(ctx context.Context, requirementsPath string) error {
		return fmt.Errorf("package manager exploded")
	}

	_, err := f.installer(WithDependencyInstaller(deps)).Install(context.Background(), Request{
		Name:      "sample_plugin",
		SourceURL: server.URL,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "package manager exploded")
	assert.NoDirExists(t, filepath.Join(f.pluginDir, "sample_plugin"))
}

func TestInstall_SkipsDependencyInstallerWithoutRequirements(t *testing.T) {
	f := newInstallFixture(t)
	archive := buildZip(t, map[string]string{"plugin.so": "contents"})
	server := serveArchive(t, archive)

	called := false
	deps := func(ctx context.Context, requirementsPath string) error {
		called = true
		return nil
	}

	_, err := f.installer(WithDependencyInstaller(deps)).Install(context.Background(), Request{
		Name:      "sample_plugin",
		SourceURL: server.URL,
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestInstall_RejectsTraversalEntries(t *testing.T) {
	f := newInstallFixture(t)

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	entry, err := writer.Create("../escape.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("escaped"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	server := serveArchive(t, buf.Bytes())

	_, err = f.installer().Install(context.Background(), Request{
		Name:      "evil_plugin",
		SourceURL: server.URL,
	})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(f.pluginDir, "escape.txt"))
	assert.NoDirExists(t, filepath.Join(f.pluginDir, "evil_plugin"))
}

func TestInstallUninstall_RoundTrip(t *testing.T) {
	f := newInstallFixture(t)

	before, err := f.store.Load(false)
	require.NoError(t, err)

	archive := buildZip(t, map[string]string{"plugin.so": "contents"})
	server := serveArchive(t, archive)

	installer := f.installer()
	_, err = installer.Install(context.Background(), Request{
		Name:      "transient",
		SourceURL: server.URL,
	})
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(f.pluginDir, "transient"))

	after, err := installer.Uninstall(context.Background(), "transient")
	require.NoError(t, err)

	assert.NoDirExists(t, filepath.Join(f.pluginDir, "transient"))
	assert.Equal(t, before.EnabledHandlers, after.EnabledHandlers)
	assert.Equal(t, before.DisabledHandlers, after.DisabledHandlers)
	assert.NotContains(t, after.Plugins, "transient")

	record, err := f.records.GetInstallRecord("transient")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestUninstall_NotInstalled(t *testing.T) {
	f := newInstallFixture(t)
	_, err := f.installer().Uninstall(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestInstall_ReplacesExistingDirectory(t *testing.T) {
	f := newInstallFixture(t)

	stale := filepath.Join(f.pluginDir, "sample_plugin", "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	archive := buildZip(t, map[string]string{"plugin.so": "contents"})
	server := serveArchive(t, archive)

	_, err := f.installer().Install(context.Background(), Request{
		Name:      "sample_plugin",
		SourceURL: server.URL,
	})
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(f.pluginDir, "sample_plugin", "plugin.so"))
}

func TestListMarketplacePlugins_NoClient(t *testing.T) {
	f := newInstallFixture(t)
	plugins, err := f.installer().ListMarketplacePlugins(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plugins)
}

// Command packagemanager is the package manager supervisor daemon.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/reboot"
	"github.com/victronenergy/package-manager/supervisor"
)

var (
	logDebug   bool
	logVerbose bool
	logLevel   = capnslog.NOTICE

	storeDir           string
	installMarkerDir   string
	setupOptionsDir    string
	mediaRoot          string
	defaultPackageList string
	settingsBase       string
	legacySettingsBase string
	serviceName        string
	platform           string
	platformOSVersion  string
	versionURL         string
	archiveURL         string
	systemdNotifyFlag  bool

	plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "cmd")
)

func main() {
	root := &cobra.Command{
		Use:   "packagemanager",
		Short: "Supervises discovery, download, install, and removal of device packages.",
		RunE:  run,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&storeDir, "store-dir", envOr("PM_STORE_DIR", "/data"), "Package store root")
	flags.StringVar(&installMarkerDir, "install-marker-dir", envOr("PM_INSTALL_MARKER_DIR", "/etc/venus"), "Install marker directory")
	flags.StringVar(&setupOptionsDir, "setup-options-dir", envOr("PM_SETUP_OPTIONS_DIR", "/data/setupOptions"), "Setup options marker directory")
	flags.StringVar(&mediaRoot, "media-root", envOr("PM_MEDIA_ROOT", "/media"), "Removable-media mount root")
	flags.StringVar(&defaultPackageList, "default-package-list", envOr("PM_DEFAULT_PACKAGE_LIST", "/data/SetupHelper/defaultPackageList"), "Default package list file")
	flags.StringVar(&settingsBase, "settings-base", envOr("PM_SETTINGS_BASE", "/Settings/PackageManager"), "D-Bus settings base path")
	flags.StringVar(&legacySettingsBase, "legacy-settings-base", envOr("PM_LEGACY_SETTINGS_BASE", ""), "Legacy D-Bus settings base path to migrate from, once")
	flags.StringVar(&serviceName, "service-name", envOr("PM_SERVICE_NAME", "com.victronenergy.packageManager"), "D-Bus service name")
	flags.StringVar(&platform, "platform", envOr("PM_PLATFORM", "unknown"), "Platform/machine identifier")
	flags.StringVar(&platformOSVersion, "platform-os-version", envOr("PM_PLATFORM_OS_VERSION", ""), "Running platform image version, for compatibility checks")
	flags.StringVar(&versionURL, "version-url", envOr("PM_VERSION_URL", "https://raw.githubusercontent.com/%s/%s/%s/version"), "fmt template (owner, name, branch) for the upstream version file")
	flags.StringVar(&archiveURL, "archive-url", envOr("PM_ARCHIVE_URL", "https://github.com/%s/%s/archive/refs/heads/%s.tar.gz"), "fmt template (owner, name, branch) for the upstream archive")
	flags.BoolVar(&systemdNotifyFlag, "systemd-notify", envOrBool("PM_SYSTEMD_NOTIFY", true), "Send sd_notify readiness/watchdog/stopping notifications")
	flags.Var(&logLevel, "log-level", "Set global log level.")
	flags.BoolVarP(&logVerbose, "verbose", "v", false, "Alias for --log-level=INFO")
	flags.BoolVarP(&logDebug, "debug", "d", false, "Alias for --log-level=DEBUG")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		startLogging(cmd)
	}

	if err := root.Execute(); err != nil {
		plog.Fatal(err)
	}
}

func startLogging(cmd *cobra.Command) {
	switch {
	case logDebug:
		logLevel = capnslog.DEBUG
	case logVerbose:
		logLevel = capnslog.INFO
	}
	capnslog.SetFormatter(capnslog.NewStringFormatter(cmd.OutOrStderr()))
	capnslog.SetGlobalLogLevel(logLevel)
	plog.Infof("Started logging at level %s", logLevel)
}

func run(cmd *cobra.Command, args []string) error {
	conn, err := bus.DialSystem(serviceName)
	if err != nil {
		return err
	}

	cfg := supervisor.Config{
		StoreDir:          storeDir,
		InstallMarkerDir:  installMarkerDir,
		SetupOptionsDir:   setupOptionsDir,
		MediaRoot:         mediaRoot,
		DefaultListPath:   defaultPackageList,
		Platform:          platform,
		PlatformOSVersion: platformOSVersion,
		VersionURL:        versionURL,
		ArchiveURL:        archiveURL,
		FetchInterval:     2 * time.Second,
		SystemdNotify:     systemdNotifyFlag,
	}
	paths := bus.Paths{
		SettingsBase:       settingsBase,
		LegacySettingsBase: legacySettingsBase,
		ServiceName:        serviceName,
	}

	sup := supervisor.New(cfg, conn, paths, probe.FS{}, reboot.Linux{}, clockwork.NewRealClock())
	if err := sup.Start(context.Background()); err != nil {
		return err
	}

	select {}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "0", "false", "no":
		return false
	case "1", "true", "yes":
		return true
	default:
		return fallback
	}
}

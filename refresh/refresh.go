// Package refresh implements the file-derived version and compatibility
// refresh shared by the install worker (spec §4.7.1 step 1) and the main
// loop (spec §4.9 step 2): InstalledVersion from the install-marker
// directory, StoredVersion from the local store, and Incompatibility from
// the package's platform/version/options hint files.
package refresh

import (
	"path/filepath"
	"strings"

	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/registry"
	"github.com/victronenergy/package-manager/version"
)

// defaultFirstCompatibleVersion matches the source's fallback when a
// package carries no firstCompatibleVersion file: a platform build older
// than v2.40 (including an empty or unparsable PlatformOSVersion) is
// treated as version-incompatible.
const defaultFirstCompatibleVersion = "v2.40"

// Config bundles the filesystem roots the refresh needs to read.
type Config struct {
	StoreDir         string
	InstallMarkerDir string
	Platform         string
	// PlatformOSVersion is this device's own running platform image
	// version (not a package version), compared against a package's
	// firstCompatibleVersion/obsoleteVersion hint files.
	PlatformOSVersion string
	// SetupOptionsDir holds one marker subdirectory per package
	// (<SetupOptionsDir>/<name>/optionsSet) recording whether a package
	// requiring command-line setup has had its options configured.
	SetupOptionsDir string
}

// Package refreshes one package's file-derived fields. It takes the
// registry lock itself through Registry.Mutate, so the caller must not
// already hold it (the lock is not reentrant).
func Package(reg *registry.Registry, pr probe.Probe, cfg Config, name string) error {
	return reg.Mutate(name, func(p *registry.Package) {
		updateInstalledVersion(pr, cfg, p)
		updateStoredVersion(pr, cfg, p)
		updateIncompatibility(pr, cfg, p)
	})
}

// All refreshes every package in the registry, used by the main loop's
// periodic sweep (spec §4.9 step 2). It snapshots names first so the
// per-package Mutate calls below don't nest a second lock acquisition.
func All(reg *registry.Registry, pr probe.Probe, cfg Config) {
	for _, name := range orderedNames(reg) {
		_ = Package(reg, pr, cfg, name)
	}
}

func orderedNames(reg *registry.Registry) []string {
	snap := reg.Snapshot()
	names := make([]string, len(snap))
	for i, p := range snap {
		names[i] = p.Name
	}
	return names
}

func updateInstalledVersion(pr probe.Probe, cfg Config, p *registry.Package) {
	markerPath := filepath.Join(cfg.InstallMarkerDir, "installedVersion-"+p.Name)
	line, ok := pr.ReadFirstLine(markerPath)
	switch {
	case !ok:
		// Absence of the marker means the package is not installed.
		p.InstalledVersion = ""
	case line == "":
		p.InstalledVersion = registry.UnknownInstalled
	default:
		p.InstalledVersion = line
	}
}

func updateStoredVersion(pr probe.Probe, cfg Config, p *registry.Package) {
	versionPath := filepath.Join(cfg.StoreDir, p.Name, "version")
	line, ok := pr.ReadFirstLine(versionPath)
	if !ok {
		p.StoredVersion = registry.NoStoredVersion
		return
	}
	if p.StoredVersion != line && p.InstallState.ClearableByStoredVersionChange() {
		p.InstallState = registry.InstallOk
	}
	p.StoredVersion = line
}

func updateIncompatibility(pr probe.Probe, cfg Config, p *registry.Package) {
	p.Incompatibility = registry.IncompatibilityNone

	if pr.HasMarker(cfg.StoreDir, p.Name, "raspberryPiOnly") && !strings.HasPrefix(cfg.Platform, "Rasp") {
		p.Incompatibility = registry.IncompatibilityPlatform
		return
	}

	firstVersion := defaultFirstCompatibleVersion
	if line, ok := pr.ReadFirstLine(filepath.Join(cfg.StoreDir, p.Name, "firstCompatibleVersion")); ok && line != "" {
		firstVersion = line
	}
	var obsoleteVersion string
	if line, ok := pr.ReadFirstLine(filepath.Join(cfg.StoreDir, p.Name, "obsoleteVersion")); ok {
		obsoleteVersion = line
	}

	osVersionNumber := version.Parse(cfg.PlatformOSVersion)
	firstVersionNumber := version.Parse(firstVersion)
	obsoleteVersionNumber := version.Parse(obsoleteVersion)

	if osVersionNumber < firstVersionNumber {
		p.Incompatibility = registry.IncompatibilityVersion
		return
	}
	if obsoleteVersionNumber != version.Unknown && osVersionNumber >= obsoleteVersionNumber {
		p.Incompatibility = registry.IncompatibilityVersion
		return
	}

	if pr.HasMarker(cfg.StoreDir, p.Name, "optionsRequired") && !pr.HasMarker(cfg.SetupOptionsDir, p.Name, "optionsSet") {
		p.Incompatibility = registry.IncompatibilityNeedsCommandLine
	}
}

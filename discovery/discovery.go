// Package discovery implements the package registry's three-phase startup
// population and the local-store scan that also runs periodically from the
// main loop (spec §4.3, §4.9 step 1).
package discovery

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/registry"
)

var plog = capnslog.NewPackageLogger("github.com/victronenergy/package-manager", "discovery")

// rejectSuffixes is the fixed reject-list of branch/version suffixes that
// disqualify a store-scan candidate directory (spec §4.3 phase 3).
var rejectSuffixes = buildRejectSuffixes()

func buildRejectSuffixes() []string {
	list := []string{"-current", "-latest", "-main", "-test", "-debug", "-beta", "-backup1", "-backup2", " "}
	for d := '0'; d <= '9'; d++ {
		list = append(list, "-"+string(d))
	}
	return list
}

// UpstreamInfo is an owner/branch pair resolved for a newly added package.
type UpstreamInfo struct {
	Owner  string
	Branch string
}

// Source identifies who is requesting a package addition, matching spec
// §4.5's "source = GUI" vs the startup phases.
type Source int

const (
	SourceSettings Source = iota
	SourceDefaultList
	SourceStoreScan
	SourceGUI
)

// Startup runs all three population phases in order, each skipping names
// already present (spec §4.3). It returns the default-list entries so the
// add/remove worker can seed owner/branch fallbacks later (spec §4.3's
// upstream-info resolution priority (c)).
func Startup(f *bus.Facade, reg *registry.Registry, pr probe.Probe, storeDir, defaultListPath, platform string) (map[string]UpstreamInfo, error) {
	if err := migrateLegacySettings(f); err != nil {
		return nil, errors.Wrap(err, "migrating legacy settings")
	}
	if err := loadFromSettings(f, reg); err != nil {
		return nil, errors.Wrap(err, "loading packages from settings")
	}
	defaults, err := loadFromDefaultList(f, reg, defaultListPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading default package list")
	}
	if err := ScanStore(f, reg, pr, storeDir, platform); err != nil {
		return nil, errors.Wrap(err, "scanning local store")
	}
	return defaults, nil
}

// migrateLegacySettings copies every entry from the legacy settings base
// into the current base, once, then deletes the legacy entries (spec §6).
func migrateLegacySettings(f *bus.Facade) error {
	paths := f.Paths()
	if paths.LegacySettingsBase == "" || paths.LegacySettingsBase == paths.SettingsBase {
		return nil
	}
	legacyCount, err := getInt(f, paths.LegacySettingsBase+"/Count")
	if err != nil || legacyCount <= 0 {
		return nil
	}
	currentCount, _ := getInt(f, paths.SettingsBase+"/Count")
	if currentCount > 0 {
		// current base already has data; never clobber it with stale legacy data.
		return nil
	}

	plog.Warningf("moving PackageManager settings from legacy location %s", paths.LegacySettingsBase)

	var toRemove []string
	for i := 0; i < legacyCount; i++ {
		idx := strconv.Itoa(i)
		for _, field := range []string{"PackageName", "UpstreamOwner", "UpstreamBranch"} {
			legacyPath := paths.LegacySettingsBase + "/" + idx + "/" + field
			v, err := f.Conn().GetValue(legacyPath)
			if err != nil {
				continue
			}
			newPath := paths.SettingsBase + "/" + idx + "/" + field
			if err := f.Conn().AddSetting(newPath, v); err != nil {
				return err
			}
			toRemove = append(toRemove, legacyPath)
		}
	}
	if err := f.Conn().AddSetting(paths.SettingsBase+"/Count", legacyCount); err != nil {
		return err
	}
	toRemove = append(toRemove, paths.LegacySettingsBase+"/Count")
	return f.Conn().RemoveSettings(toRemove)
}

// loadFromSettings is spec §4.3 phase 1.
func loadFromSettings(f *bus.Facade, reg *registry.Registry) error {
	paths := f.Paths()
	count, err := getInt(f, paths.SettingsBase+"/Count")
	if err != nil {
		// No package count on the bus is a hard startup failure (spec §7:
		// "Bus setting missing at startup... Log at CRITICAL and exit.").
		return errors.Wrap(err, "PackageManager Settings has no package count")
	}

	for i := 0; i < count; i++ {
		idx := strconv.Itoa(i)
		name, _ := getString(f, paths.SettingsBase+"/"+idx+"/PackageName")
		if name == "" || reg.Has(name) {
			continue
		}
		owner, _ := getString(f, paths.SettingsBase+"/"+idx+"/UpstreamOwner")
		branch, _ := getString(f, paths.SettingsBase+"/"+idx+"/UpstreamBranch")
		_ = reg.Add(newPackage(name, owner, branch))
	}
	return nil
}

// loadFromDefaultList is spec §4.3 phase 2: a plain-text file of
// "name owner branch" lines, '#' comments allowed.
func loadFromDefaultList(f *bus.Facade, reg *registry.Registry, path string) (map[string]UpstreamInfo, error) {
	defaults := map[string]UpstreamInfo{}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	m := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		name, owner, branch := fields[0], fields[1], fields[2]
		defaults[name] = UpstreamInfo{Owner: owner, Branch: branch}

		f.Conn().Publish("/Default/"+strconv.Itoa(m)+"/PackageName", name)
		f.Conn().Publish("/Default/"+strconv.Itoa(m)+"/UpstreamOwner", owner)
		f.Conn().Publish("/Default/"+strconv.Itoa(m)+"/UpstreamBranch", branch)
		m++

		if reg.Has(name) {
			continue
		}
		_ = reg.Add(newPackage(name, owner, branch))
	}
	f.Conn().Publish("/DefaultCount", m)
	return defaults, scanner.Err()
}

// ScanStore is spec §4.3 phase 3 / §4.9 step 1: every child directory of
// storeDir is a candidate, admitted unless it fails one of the rejection
// rules.
func ScanStore(f *bus.Facade, reg *registry.Registry, pr probe.Probe, storeDir, platform string) error {
	entries, err := os.ReadDir(storeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if reg.Has(name) {
			continue
		}
		if rejected(name) {
			continue
		}
		if pr.HasMarker(storeDir, name, "REMOVED") {
			continue
		}
		versionPath := filepath.Join(storeDir, name, "version")
		first, ok := pr.ReadFirstLine(versionPath)
		if !ok || first == "" || first[0] != 'v' {
			continue
		}
		if pr.HasMarker(storeDir, name, "raspberryPiOnly") && !strings.HasPrefix(platform, "Rasp") {
			continue
		}
		pkg := newPackage(name, "", "")
		pkg.StoredVersion = first
		_ = reg.Add(pkg)
	}
	return nil
}

func rejected(name string) bool {
	for _, suffix := range rejectSuffixes {
		if strings.Contains(name, suffix) {
			return true
		}
	}
	return false
}

func newPackage(name, owner, branch string) *registry.Package {
	return &registry.Package{
		Name:           name,
		UpstreamOwner:  owner,
		UpstreamBranch: branch,
		StoredVersion:  registry.NoStoredVersion,
		InstallState:   registry.InstallOk,
	}
}

func getInt(f *bus.Facade, path string) (int, error) {
	v, err := f.Conn().GetValue(path)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case nil:
		return 0, errors.Errorf("%s not set", path)
	default:
		return 0, errors.Errorf("%s has unexpected type %T", path, v)
	}
}

func getString(f *bus.Facade, path string) (string, error) {
	v, err := f.Conn().GetValue(path)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

package discovery

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/victronenergy/package-manager/bus"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/registry"
)

// resolveUpstreamInfo implements the priority order from spec §4.3:
// (a) the UI editor scratchpad, (b) the package's gitHubInfo file, (c) the
// default-list entry. A field already set by a higher-priority source is
// never overwritten by a lower one.
func resolveUpstreamInfo(f *bus.Facade, pr probe.Probe, storeDir, name string, defaults map[string]UpstreamInfo) UpstreamInfo {
	var info UpstreamInfo

	paths := f.Paths()
	if editorName, _ := getString(f, paths.SettingsBase+"/Edit/PackageName"); editorName == name {
		info.Owner, _ = getString(f, paths.SettingsBase+"/Edit/Owner")
		info.Branch, _ = getString(f, paths.SettingsBase+"/Edit/Branch")
	}

	if info.Owner == "" || info.Branch == "" {
		if line, ok := pr.ReadFirstLine(filepath.Join(storeDir, name, "gitHubInfo")); ok {
			if owner, branch, ok := strings.Cut(strings.TrimSpace(line), ":"); ok {
				if info.Owner == "" {
					info.Owner = owner
				}
				if info.Branch == "" {
					info.Branch = branch
				}
			}
		}
	}

	if d, ok := defaults[name]; ok {
		if info.Owner == "" {
			info.Owner = d.Owner
		}
		if info.Branch == "" {
			info.Branch = d.Branch
		}
	}

	return info
}

// AddFromGUI implements spec §4.3's add logic as invoked by the add/remove
// worker (§4.5) for an "add:<name>" command. It reports status on
// EditStatus and sets ActionResult, per §4.5.
func AddFromGUI(f *bus.Facade, reg *registry.Registry, pr probe.Probe, storeDir, name string, defaults map[string]UpstreamInfo) {
	if name == "" {
		f.SetEditStatus("ERROR: no package name given")
		f.SetActionResult(bus.ActionResultError)
		return
	}
	if reg.Has(name) {
		f.SetEditStatus("ERROR: " + name + " already exists")
		f.SetActionResult(bus.ActionResultError)
		return
	}

	info := resolveUpstreamInfo(f, pr, storeDir, name, defaults)
	pkg := newPackage(name, info.Owner, info.Branch)
	if err := reg.Add(pkg); err != nil {
		f.SetEditStatus("ERROR: " + name + " already exists")
		f.SetActionResult(bus.ActionResultError)
		return
	}

	if err := syncSettingsFromRegistry(f, reg, reg.Len()-1); err != nil {
		f.SetEditStatus("ERROR: could not persist new package settings")
		f.SetActionResult(bus.ActionResultError)
		return
	}

	f.PublishAll()
	f.SetEditStatus("")
	f.SetActionResult(bus.ActionResultNone)
}

// RemoveFromGUI implements spec §4.3's removal compaction as invoked for a
// "remove:<name>" command. It writes a REMOVED marker into the package's
// store directory (if it exists) so the next store-scan pass will not
// re-admit it.
func RemoveFromGUI(f *bus.Facade, reg *registry.Registry, pr probe.Probe, storeDir, name string) {
	staleCount := reg.Len()
	if err := reg.Remove(name); err != nil {
		f.SetEditStatus("ERROR: " + name + " not found")
		f.SetActionResult(bus.ActionResultError)
		return
	}

	if _, err := os.Stat(filepath.Join(storeDir, name)); err == nil {
		_ = pr.CreateMarker(storeDir, name, "REMOVED")
	}

	_ = syncSettingsFromRegistry(f, reg, staleCount)
	f.PublishAll()
	f.SetEditStatus("")
	f.SetActionResult(bus.ActionResultNone)
}

// syncSettingsFromRegistry rewrites the persisted settings tree to match
// the registry's current order, then deletes any now-stale tail slot left
// over from a shrink and updates Count (spec §4.3's "Removal is a
// compaction": shift, blank the tail, delete its settings keys, pop,
// update PackageCount).
func syncSettingsFromRegistry(f *bus.Facade, reg *registry.Registry, staleCount int) error {
	snap := reg.Snapshot()
	paths := f.Paths()
	for i, p := range snap {
		idx := strconv.Itoa(i)
		if err := f.Conn().AddSetting(paths.SettingsBase+"/"+idx+"/PackageName", p.Name); err != nil {
			return err
		}
		_ = f.Conn().SetValue(paths.SettingsBase+"/"+idx+"/PackageName", p.Name)
		_ = f.Conn().AddSetting(paths.SettingsBase+"/"+idx+"/UpstreamOwner", p.UpstreamOwner)
		_ = f.Conn().SetValue(paths.SettingsBase+"/"+idx+"/UpstreamOwner", p.UpstreamOwner)
		_ = f.Conn().AddSetting(paths.SettingsBase+"/"+idx+"/UpstreamBranch", p.UpstreamBranch)
		_ = f.Conn().SetValue(paths.SettingsBase+"/"+idx+"/UpstreamBranch", p.UpstreamBranch)
	}
	if staleCount > len(snap) {
		last := strconv.Itoa(staleCount - 1)
		_ = f.Conn().RemoveSettings([]string{
			paths.SettingsBase + "/" + last + "/PackageName",
			paths.SettingsBase + "/" + last + "/UpstreamOwner",
			paths.SettingsBase + "/" + last + "/UpstreamBranch",
		})
	}
	return f.Conn().SetValue(paths.SettingsBase+"/Count", len(snap))
}

// UpdateUpstreamInfo changes a package's owner/branch (GUI edit of an
// existing package), invalidating its UpstreamVersion per spec §3. It
// returns only an error (ErrNotFound if name is absent); it does not report
// whether owner or branch actually changed.
func UpdateUpstreamInfo(f *bus.Facade, reg *registry.Registry, name, owner, branch string) error {
	return reg.Mutate(name, func(p *registry.Package) {
		changed := false
		if owner != "" && owner != p.UpstreamOwner {
			p.UpstreamOwner = owner
			changed = true
		}
		if branch != "" && branch != p.UpstreamBranch {
			p.UpstreamBranch = branch
			changed = true
		}
		if changed {
			p.UpstreamVersion = ""
		}
	})
}

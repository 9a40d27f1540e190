package refresh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/victronenergy/package-manager/probe"
	"github.com/victronenergy/package-manager/registry"
)

func testConfig() Config {
	return Config{
		StoreDir:          "/data",
		InstallMarkerDir:  "/etc/venus",
		Platform:          "Venus",
		PlatformOSVersion: "v3.00",
		SetupOptionsDir:   "/data/setupOptions",
	}
}

func TestUpdateInstalledVersionStates(t *testing.T) {
	cases := []struct {
		name    string
		present bool
		line    string
		want    string
	}{
		{"absent marker means not installed", false, "", ""},
		{"empty marker means unknown", true, "", registry.UnknownInstalled},
		{"present marker carries the version", true, "v1.2", "v1.2"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pr := probe.NewFake()
			path := "/etc/venus/installedVersion-pkg"
			if c.present {
				pr.FirstLineOK[path] = true
				pr.FirstLines[path] = c.line
			}
			p := &registry.Package{Name: "pkg"}
			updateInstalledVersion(pr, testConfig(), p)
			assert.Equal(t, c.want, p.InstalledVersion)
		})
	}
}

func TestUpdateStoredVersionClearsClearableState(t *testing.T) {
	pr := probe.NewFake()
	pr.FirstLineOK["/data/pkg/version"] = true
	pr.FirstLines["/data/pkg/version"] = "v2.0"

	p := &registry.Package{Name: "pkg", StoredVersion: "v1.0", InstallState: registry.InstallFileSetError}
	updateStoredVersion(pr, testConfig(), p)

	assert.Equal(t, "v2.0", p.StoredVersion)
	assert.Equal(t, registry.InstallOk, p.InstallState, "a clearable state's StoredVersion change should reset InstallState to Ok")
}

func TestUpdateStoredVersionLeavesNonClearableStateAlone(t *testing.T) {
	pr := probe.NewFake()
	pr.FirstLineOK["/data/pkg/version"] = true
	pr.FirstLines["/data/pkg/version"] = "v2.0"

	p := &registry.Package{Name: "pkg", StoredVersion: "v1.0", InstallState: registry.InstallRebootRequired}
	updateStoredVersion(pr, testConfig(), p)

	assert.Equal(t, registry.InstallRebootRequired, p.InstallState)
}

func TestUpdateStoredVersionAbsentMeansNoStoredVersion(t *testing.T) {
	pr := probe.NewFake()
	p := &registry.Package{Name: "pkg", StoredVersion: "v1.0"}
	updateStoredVersion(pr, testConfig(), p)
	assert.Equal(t, registry.NoStoredVersion, p.StoredVersion)
}

func TestUpdateIncompatibilityPlatform(t *testing.T) {
	pr := probe.NewFake()
	pr.Markers["/data/pkg/raspberryPiOnly"] = true
	cfg := testConfig()
	cfg.Platform = "Venus" // not a Raspberry Pi build

	p := &registry.Package{Name: "pkg"}
	updateIncompatibility(pr, cfg, p)
	assert.Equal(t, registry.IncompatibilityPlatform, p.Incompatibility)
}

func TestUpdateIncompatibilityVersionTooOld(t *testing.T) {
	pr := probe.NewFake()
	pr.FirstLineOK["/data/pkg/firstCompatibleVersion"] = true
	pr.FirstLines["/data/pkg/firstCompatibleVersion"] = "v3.10"

	cfg := testConfig()
	cfg.PlatformOSVersion = "v3.00"

	p := &registry.Package{Name: "pkg"}
	updateIncompatibility(pr, cfg, p)
	assert.Equal(t, registry.IncompatibilityVersion, p.Incompatibility)
}

func TestUpdateIncompatibilityNeedsCommandLine(t *testing.T) {
	pr := probe.NewFake()
	pr.Markers["/data/pkg/optionsRequired"] = true

	p := &registry.Package{Name: "pkg"}
	updateIncompatibility(pr, testConfig(), p)
	assert.Equal(t, registry.IncompatibilityNeedsCommandLine, p.Incompatibility)

	pr.Markers["/data/setupOptions/pkg/optionsSet"] = true
	p2 := &registry.Package{Name: "pkg"}
	updateIncompatibility(pr, testConfig(), p2)
	assert.Equal(t, registry.IncompatibilityNone, p2.Incompatibility, "once options are set the package becomes compatible")
}

func TestUpdateIncompatibilityDefaultCompatible(t *testing.T) {
	pr := probe.NewFake()
	p := &registry.Package{Name: "pkg"}
	updateIncompatibility(pr, testConfig(), p)
	assert.Equal(t, registry.IncompatibilityNone, p.Incompatibility)
}

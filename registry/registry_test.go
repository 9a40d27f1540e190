package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsDuplicateName(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(&Package{Name: "dbus-mqtt"}))
	assert.Error(t, r.Add(&Package{Name: "dbus-mqtt"}))
	assert.Equal(t, 1, r.Len())
}

func TestRemoveCompactsAndShrinks(t *testing.T) {
	r := New()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(&Package{Name: name}))
	}
	require.NoError(t, r.Remove("b"))
	assert.Equal(t, 2, r.Len())

	names := r.Names()
	assert.False(t, names["b"])
	assert.True(t, names["a"])
	assert.True(t, names["c"])

	name, ok := r.NameAt(0)
	assert.True(t, ok)
	assert.Equal(t, "a", name)

	name, ok = r.NameAt(1)
	assert.True(t, ok)
	assert.Equal(t, "c", name)
}

func TestRemoveNotFound(t *testing.T) {
	r := New()
	assert.Error(t, r.Remove("missing"))
}

func TestMutateCoordinatesMultiFieldUpdate(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(&Package{Name: "pkg", StoredVersion: NoStoredVersion}))
	require.NoError(t, r.Mutate("pkg", func(p *Package) {
		p.UpstreamVersion = "v1.0"
		p.StoredVersion = "v1.0"
	}))
	p, err := r.Get("pkg")
	require.NoError(t, err)
	assert.Equal(t, "v1.0", p.UpstreamVersion)
	assert.Equal(t, "v1.0", p.StoredVersion)
}

func TestFirstDownloadEligibleAbortsOnEarlierPending(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(&Package{Name: "a", UpstreamVersion: "v2.0", StoredVersion: "v1.0", DownloadPending: true}))
	require.NoError(t, r.Add(&Package{Name: "b", UpstreamVersion: "v2.0", StoredVersion: "v1.0"}))
	_, ok := r.FirstDownloadEligible()
	assert.False(t, ok, "an earlier pending download should block eligibility entirely")
}

func TestFirstDownloadEligible(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(&Package{Name: "uptodate", UpstreamVersion: "v1.0", StoredVersion: "v1.0"}))
	require.NoError(t, r.Add(&Package{Name: "stale", UpstreamVersion: "v2.0", StoredVersion: "v1.0"}))
	name, ok := r.FirstDownloadEligible()
	assert.True(t, ok)
	assert.Equal(t, "stale", name)
}

func TestFirstDownloadEligibleNeedsStoredVersion(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(&Package{Name: "never-scanned", UpstreamVersion: "v1.0", StoredVersion: NoStoredVersion}))
	_, ok := r.FirstDownloadEligible()
	assert.False(t, ok, "a package never scanned into the store should not be download-eligible yet")
}

func TestFirstAutoInstallEligibleRespectsInstallState(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(&Package{Name: "blocked", StoredVersion: "v2.0", InstalledVersion: "v1.0", InstallState: InstallFileSetError}))
	require.NoError(t, r.Add(&Package{Name: "ready", StoredVersion: "v2.0", InstalledVersion: "v1.0", InstallState: InstallOk}))
	name, ok := r.FirstAutoInstallEligible(func(string) bool { return false })
	assert.True(t, ok)
	assert.Equal(t, "ready", name)
}

func TestFirstAutoInstallEligibleRespectsDoNotAutoInstallMarker(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(&Package{Name: "pkg", StoredVersion: "v2.0", InstalledVersion: "v1.0", InstallState: InstallOk}))
	_, ok := r.FirstAutoInstallEligible(func(name string) bool { return name == "pkg" })
	assert.False(t, ok, "a package with a DO_NOT_AUTO_INSTALL marker should never be auto-install eligible")
}

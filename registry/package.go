package registry

// Incompatibility mirrors the bus wire value of spec §6 ("" / VERSION /
// PLATFORM / CMDLINE).
type Incompatibility int

const (
	IncompatibilityNone Incompatibility = iota
	IncompatibilityPlatform
	IncompatibilityVersion
	IncompatibilityNeedsCommandLine
)

func (i Incompatibility) String() string {
	switch i {
	case IncompatibilityPlatform:
		return "PLATFORM"
	case IncompatibilityVersion:
		return "VERSION"
	case IncompatibilityNeedsCommandLine:
		return "CMDLINE"
	default:
		return ""
	}
}

// InstallState is Ok, Pending, or one of the setup-script exit codes from
// spec §6 that a run left behind.
type InstallState int

const (
	InstallOk InstallState = iota
	InstallPending
	InstallNoSetupFile
	InstallRebootRequired
	InstallRunAgain
	InstallOptionsNotSet
	InstallFileSetError
	InstallPlatformIncompatible
	InstallVersionIncompatible
	InstallGenericError
)

func (s InstallState) String() string {
	switch s {
	case InstallOk:
		return "Ok"
	case InstallPending:
		return "Pending"
	case InstallNoSetupFile:
		return "NoSetupFile"
	case InstallRebootRequired:
		return "RebootRequired"
	case InstallRunAgain:
		return "RunAgain"
	case InstallOptionsNotSet:
		return "OptionsNotSet"
	case InstallFileSetError:
		return "FileSetError"
	case InstallPlatformIncompatible:
		return "PlatformIncompatible"
	case InstallVersionIncompatible:
		return "VersionIncompatible"
	case InstallGenericError:
		return "GenericError"
	default:
		return "Unknown"
	}
}

// ClearableByStoredVersionChange reports whether this InstallState is one of
// the subset that a new build landing in the store could plausibly resolve
// (spec §4.7, "cleared back to Ok on the next StoredVersion change").
func (s InstallState) ClearableByStoredVersionChange() bool {
	switch s {
	case InstallFileSetError, InstallVersionIncompatible, InstallOptionsNotSet, InstallNoSetupFile:
		return true
	default:
		return false
	}
}

// NoStoredVersion and UnknownInstalled are the sentinel strings used on the
// bus and in the registry for "not yet known" / "erased" version fields,
// matching the source's '?' placeholder and "unknown" InstalledVersion text.
const (
	NoStoredVersion  = "?"
	UnknownInstalled = "unknown"
)

// Package is one managed package record (spec §3).
type Package struct {
	// Name is the immutable unique key.
	Name string

	UpstreamOwner  string
	UpstreamBranch string

	// UpstreamVersion, StoredVersion, InstalledVersion are the raw version
	// strings as read from their respective sources; "" means upstream
	// fetch failed or hasn't run yet, NoStoredVersion means the store has
	// not been scanned yet, UnknownInstalled means the marker file exists
	// but is empty.
	UpstreamVersion  string
	StoredVersion    string
	InstalledVersion string

	DownloadPending bool
	InstallState    InstallState
	Incompatibility Incompatibility
	RebootNeeded    bool

	// LastDownloadAttemptError is the expanded field from SPEC_FULL §3: the
	// text of the last failed version fetch or download, kept in the
	// registry only (DownloadStatus shows a plain "ERROR"). A successful
	// upstream version fetch clears it; a successful download does not.
	LastDownloadAttemptError string
}

// Clone returns a value copy safe to read outside the registry lock.
func (p *Package) Clone() Package {
	return *p
}

// reset blanks every volatile/editable field back to its "slot erased"
// sentinel, used by Registry.Remove on the record it removes (spec §4.3).
func (p *Package) reset() {
	p.Name = ""
	p.UpstreamOwner = ""
	p.UpstreamBranch = ""
	p.UpstreamVersion = ""
	p.StoredVersion = NoStoredVersion
	p.InstalledVersion = ""
	p.DownloadPending = false
	p.InstallState = InstallOk
	p.Incompatibility = IncompatibilityNone
	p.RebootNeeded = false
	p.LastDownloadAttemptError = ""
}

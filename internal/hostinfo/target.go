package hostinfo

import "runtime"

// MachineArch returns the uname-equivalent machine string used in manifest
// filenames (manifest-<arch>-<os>-<device>.json, spec.md 4.A step 2).
//
// Go's GOARCH values already match the common uname -m spellings except for
// amd64/arm64, which uname reports as x86_64/aarch64.
func MachineArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

// OS returns the uname-equivalent OS string.
func OS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}

// ManifestTarget composes the "<arch>-<os>-<device>" triple used to name a
// model manifest file for the current host and a requested device kind.
func ManifestTarget(device string) string {
	return MachineArch() + "-" + OS() + "-" + device
}

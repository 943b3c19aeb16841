// Package platform detects the host platform and centralises the few
// behaviours that differ per platform (process-exit wait, default shell).
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform, caching the result
func Detect() Platform {
	detectOnce.Do(func() {
		detected = FromGOOS(runtime.GOOS, readProcVersion)
	})
	return detected
}

// FromGOOS classifies a GOOS value. procVersion is consulted on linux to
// tell WSL apart from native Linux; it may be nil.
func FromGOOS(goos string, procVersion func() string) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		v := ""
		if procVersion != nil {
			v = procVersion()
		}
		if os.Getenv("WSL_DISTRO_NAME") == "" && !strings.Contains(strings.ToLower(v), "microsoft") {
			return PlatformLinux
		}
		// WSL2 kernels report "microsoft-standard"; WSL1 only "Microsoft".
		if strings.Contains(v, "microsoft-standard") {
			return PlatformWSL2
		}
		if _, err := os.Stat("/run/WSL"); err == nil {
			return PlatformWSL2
		}
		return PlatformWSL1
	default:
		return PlatformUnknown
	}
}

func readProcVersion() string {
	b, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	return string(b)
}

// ExitWaitTimeout is how long a kill-and-wait gives the exit event to fire
// before giving up. Process termination on Windows is asynchronous
// (ConPTY teardown), so it gets a longer window.
func ExitWaitTimeout(p Platform) time.Duration {
	if p == PlatformWindows {
		return 2 * time.Second
	}
	return 500 * time.Millisecond
}

// DefaultShell is the ultimate fallback when no candidate shell exists.
func DefaultShell(p Platform) string {
	switch p {
	case PlatformWindows:
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	case PlatformMacOS:
		return "/bin/zsh"
	default:
		return "/bin/sh"
	}
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem
// where fsnotify events are unreliable (9p, NFS, CIFS, SSHFS), else "".
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(absPath, string(mounts))
}

func fsnotifyWarning(absPath, mounts string) string {
	var matchedMount, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if strings.HasPrefix(absPath, fields[1]) && len(fields[1]) > len(matchedMount) {
			matchedMount = fields[1]
			fsType = fields[2]
		}
	}

	switch {
	case fsType == "9p":
		return "config on 9p mount (WSL2 Windows filesystem): live reload disabled"
	case fsType == "nfs" || fsType == "nfs4":
		return "config on NFS mount: live reload may be unreliable"
	case fsType == "cifs" || fsType == "smbfs":
		return "config on CIFS/SMB mount: live reload may be unreliable"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "config on SSHFS mount: live reload disabled"
	}
	return ""
}

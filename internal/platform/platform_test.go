package platform

import (
	"runtime"
	"testing"
	"time"
)

func TestDetectCached(t *testing.T) {
	p := Detect()
	if p == "" {
		t.Fatal("Detect() returned empty platform")
	}
	if runtime.GOOS == "darwin" && p != PlatformMacOS {
		t.Errorf("expected macOS on darwin, got %s", p)
	}
	if p2 := Detect(); p != p2 {
		t.Errorf("Detect() not cached: got %s then %s", p, p2)
	}
}

func TestFromGOOS(t *testing.T) {
	t.Setenv("WSL_DISTRO_NAME", "")

	tests := []struct {
		goos string
		proc string
		want Platform
	}{
		{"darwin", "", PlatformMacOS},
		{"windows", "", PlatformWindows},
		{"linux", "Linux version 6.1.0-13-amd64", PlatformLinux},
		{"linux", "Linux version 5.15.90.1-microsoft-standard-WSL2", PlatformWSL2},
		{"plan9", "", PlatformUnknown},
	}
	for _, tt := range tests {
		proc := tt.proc
		got := FromGOOS(tt.goos, func() string { return proc })
		if got != tt.want {
			t.Errorf("FromGOOS(%q, %q) = %s, want %s", tt.goos, tt.proc, got, tt.want)
		}
	}
}

func TestExitWaitTimeout(t *testing.T) {
	if got := ExitWaitTimeout(PlatformWindows); got != 2*time.Second {
		t.Errorf("windows: got %v", got)
	}
	for _, p := range []Platform{PlatformLinux, PlatformMacOS, PlatformWSL2} {
		if got := ExitWaitTimeout(p); got != 500*time.Millisecond {
			t.Errorf("%s: got %v", p, got)
		}
	}
}

func TestDefaultShell(t *testing.T) {
	if got := DefaultShell(PlatformMacOS); got != "/bin/zsh" {
		t.Errorf("macOS default = %q", got)
	}
	if got := DefaultShell(PlatformLinux); got != "/bin/sh" {
		t.Errorf("linux default = %q", got)
	}
	t.Setenv("COMSPEC", `C:\Windows\System32\cmd.exe`)
	if got := DefaultShell(PlatformWindows); got != `C:\Windows\System32\cmd.exe` {
		t.Errorf("windows default = %q", got)
	}
}

func TestPlatformString(t *testing.T) {
	tests := []struct {
		platform Platform
		expected string
	}{
		{PlatformMacOS, "macOS"},
		{PlatformLinux, "Linux"},
		{PlatformWSL1, "WSL1"},
		{PlatformWSL2, "WSL2"},
		{PlatformWindows, "Windows"},
		{PlatformUnknown, "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.platform.String(); got != tt.expected {
			t.Errorf("Platform(%s).String() = %s, want %s", tt.platform, got, tt.expected)
		}
	}
}

func TestFsnotifyWarning(t *testing.T) {
	mounts := "/dev/sda1 / ext4 rw 0 0\nC:\\134 /mnt/c 9p rw 0 0\nserver:/export /mnt/nfs nfs4 rw 0 0\n"

	if got := fsnotifyWarning("/home/me/.agentterm", mounts); got != "" {
		t.Errorf("ext4 should be fine, got %q", got)
	}
	if got := fsnotifyWarning("/mnt/c/Users/me", mounts); got == "" {
		t.Error("expected 9p warning")
	}
	if got := fsnotifyWarning("/mnt/nfs/home", mounts); got == "" {
		t.Error("expected NFS warning")
	}
}

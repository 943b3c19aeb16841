//go:build windows

package ptyproc

// Start is unavailable: creack/pty has no Windows backend.
func (PTYSpawner) Start(StartOptions, func([]byte), func(int)) (Process, error) {
	return nil, ErrUnsupported
}

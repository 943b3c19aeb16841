package ptyproc

import "time"

func (m *Manager) PendingChains() int { return m.pendingChains() }

func (m *Manager) ExitWait() time.Duration { return m.exitWait }

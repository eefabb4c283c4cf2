// Package media owns local capture streams. Every stream is held through a
// Lease that stops its tracks exactly once, so a call that ends on any path
// leaves no capture device running.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrMediaAccessDenied indicates the capture device refused or failed.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrStreamActive indicates the owner already holds a stream.
	ErrStreamActive = errors.New("media stream already active for owner")
	// ErrNoTracks indicates constraints requesting neither audio nor video.
	ErrNoTracks = errors.New("constraints request no tracks")
)

// Constraints selects the tracks to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Device opens capture tracks.
type Device interface {
	Open(ctx context.Context, streamID string, c Constraints) ([]Track, error)
}

// Manager hands out at most one stream per owner and tracks every stream
// still open.
type Manager struct {
	device Device

	mu     sync.Mutex
	leases map[string]*Lease
}

// NewManager creates a manager over device.
func NewManager(device Device) *Manager {
	return &Manager{
		device: device,
		leases: make(map[string]*Lease),
	}
}

// Acquire opens a stream for owner. A device failure is reported as
// ErrMediaAccessDenied.
func (m *Manager) Acquire(ctx context.Context, owner string, c Constraints) (*Lease, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNoTracks
	}

	m.mu.Lock()
	if _, exists := m.leases[owner]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamActive, owner)
	}
	// Reserve the slot so a concurrent Acquire for the same owner fails.
	lease := &Lease{owner: owner, manager: m, streamID: newStreamID()}
	m.leases[owner] = lease
	m.mu.Unlock()

	tracks, err := m.device.Open(ctx, lease.streamID, c)
	if err != nil {
		m.drop(lease)
		logrus.WithFields(logrus.Fields{
			"function": "Acquire",
			"owner":    owner,
			"audio":    c.Audio,
			"video":    c.Video,
			"error":    err.Error(),
		}).Error("Failed to open capture device")
		if errors.Is(err, ErrMediaAccessDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
	}

	lease.mu.Lock()
	if lease.released {
		lease.mu.Unlock()
		for _, t := range tracks {
			t.Stop()
		}
		return nil, fmt.Errorf("%w: stream released while opening", ErrMediaAccessDenied)
	}
	lease.tracks = tracks
	lease.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Acquire",
		"owner":     owner,
		"stream_id": lease.streamID,
		"tracks":    len(tracks),
	}).Info("Media stream acquired")

	return lease, nil
}

// ActiveCount returns the number of unreleased streams.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// ReleaseAll releases every open stream and returns how many there were.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		leases = append(leases, l)
	}
	m.mu.Unlock()

	for _, l := range leases {
		l.Release()
	}
	return len(leases)
}

func (m *Manager) drop(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.leases[l.owner]; ok && current == l {
		delete(m.leases, l.owner)
	}
}

// Lease is exclusive ownership of one local stream.
type Lease struct {
	owner    string
	streamID string
	tracks   []Track
	manager  *Manager

	once     sync.Once
	released bool
	mu       sync.Mutex
}

// Owner returns the owner the lease was acquired for.
func (l *Lease) Owner() string { return l.owner }

// StreamID returns the id shared by the lease's tracks.
func (l *Lease) StreamID() string { return l.streamID }

// Tracks returns the captured tracks.
func (l *Lease) Tracks() []Track {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracks
}

// Released reports whether Release has run.
func (l *Lease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Release stops every track and frees the owner's slot. Calls after the
// first are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		l.released = true
		tracks := l.tracks
		l.mu.Unlock()

		for _, t := range tracks {
			t.Stop()
		}
		l.manager.drop(l)

		logrus.WithFields(logrus.Fields{
			"function":  "Release",
			"owner":     l.owner,
			"stream_id": l.streamID,
		}).Info("Media stream released")
	})
}

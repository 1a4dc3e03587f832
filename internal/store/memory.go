package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-memory Store used by default and by tests. State does not
// survive a restart; deployments that need durable pairings use Redis.
type Memory struct {
	mu       sync.Mutex
	users    map[string]User   // user id -> user
	emails   map[string]string // lowercased email -> user id
	devices  map[string]Device // device id -> device
	pairings map[string]string // device id -> user id
	dogs     map[string][]Dog  // user id -> dogs
	metrics  []metricEntry
	missions []missionEntry
	now      func() time.Time
}

type metricEntry struct {
	DogID  string
	UserID string
	Type   string
	Value  float64
	At     time.Time
}

type missionEntry struct {
	DogID   string
	UserID  string
	Type    string
	Result  string
	Details string
	At      time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		emails:   make(map[string]string),
		devices:  make(map[string]Device),
		pairings: make(map[string]string),
		dogs:     make(map[string][]Dog),
		now:      time.Now,
	}
}

func (m *Memory) CreateUser(_ context.Context, email, passwordHash string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(email)
	if _, ok := m.emails[key]; ok {
		return User{}, ErrAlreadyExists
	}
	u := User{
		ID:           "user_" + uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    m.now().UTC(),
	}
	m.users[u.ID] = u
	m.emails[key] = u.ID
	return u, nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *Memory) RegisterDevice(_ context.Context, deviceID, name, pairingCode string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		d = Device{ID: deviceID}
	}
	// Re-registration refreshes the name and pairing code; ownership and
	// online state are untouched.
	d.Name = name
	d.PairingCode = pairingCode
	m.devices[deviceID] = d
	return d, nil
}

func (m *Memory) GetDevice(_ context.Context, deviceID string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return Device{}, ErrNotFound
	}
	d.OwnerID = m.pairings[deviceID]
	return d, nil
}

func (m *Memory) GetDeviceByPairingCode(_ context.Context, code string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code = strings.ToUpper(strings.TrimSpace(code))
	for _, d := range m.devices {
		if d.PairingCode != "" && d.PairingCode == code {
			d.OwnerID = m.pairings[d.ID]
			return d, nil
		}
	}
	return Device{}, ErrNotFound
}

func (m *Memory) ListUserDevices(_ context.Context, userID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Device
	for deviceID, owner := range m.pairings {
		if owner != userID {
			continue
		}
		d, ok := m.devices[deviceID]
		if !ok {
			d = Device{ID: deviceID}
		}
		d.OwnerID = owner
		out = append(out, d)
	}
	return out, nil
}

func (m *Memory) SetDeviceOnline(_ context.Context, deviceID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		d = Device{ID: deviceID}
	}
	d.Online = online
	d.LastSeen = m.now().UTC()
	m.devices[deviceID] = d
	return nil
}

func (m *Memory) GetDeviceOwner(_ context.Context, deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairings[deviceID], nil
}

func (m *Memory) CreateDevicePairing(_ context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings[deviceID] = userID
	return nil
}

func (m *Memory) DeleteDevicePairing(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairings, deviceID)
	return nil
}

func (m *Memory) GetAllDevicePairings(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.pairings))
	for d, u := range m.pairings {
		out[d] = u
	}
	return out, nil
}

// AddDog seeds a dog profile. Exposed for provisioning and tests; the relay
// core only reads dogs.
func (m *Memory) AddDog(dog Dog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dogs[dog.OwnerID] = append(m.dogs[dog.OwnerID], dog)
}

func (m *Memory) GetUserDogs(_ context.Context, userID string) ([]Dog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dogs := m.dogs[userID]
	out := make([]Dog, len(dogs))
	copy(out, dogs)
	return out, nil
}

func (m *Memory) GetMetrics(_ context.Context, dogID, userID string, since time.Time) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64)
	for _, e := range m.metrics {
		if e.DogID == dogID && e.UserID == userID && !e.At.Before(since) {
			out[e.Type] += e.Value
		}
	}
	for _, e := range m.missions {
		if e.DogID == dogID && e.UserID == userID && !e.At.Before(since) {
			out["missions"]++
		}
	}
	return out, nil
}

func (m *Memory) LogMetric(_ context.Context, dogID, userID, metricType string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = append(m.metrics, metricEntry{
		DogID:  dogID,
		UserID: userID,
		Type:   metricType,
		Value:  value,
		At:     m.now().UTC(),
	})
	return nil
}

func (m *Memory) LogMission(_ context.Context, dogID, userID, missionType, result, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.missions = append(m.missions, missionEntry{
		DogID:   dogID,
		UserID:  userID,
		Type:    missionType,
		Result:  result,
		Details: details,
		At:      m.now().UTC(),
	})
	return nil
}

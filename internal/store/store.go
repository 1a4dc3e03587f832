// Package store is the persistence boundary of the relay. The connection
// manager and the HTTP surface talk to it through the Store interface; the
// relay core never assumes a particular backing technology.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// User is an account record. PasswordHash is opaque to the relay; hashing
// policy lives with the caller.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Device is a registry record for a robot. OwnerID is empty until paired.
type Device struct {
	ID          string    `json:"device_id"`
	Name        string    `json:"name,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// Dog is a pet profile whose daily metric aggregates are pushed to apps on
// connect.
type Dog struct {
	ID      string `json:"dog_id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// Store is the contract the relay core and the HTTP surface consume.
// Implementations must be safe for concurrent use.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, email, passwordHash string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// Device registry.
	RegisterDevice(ctx context.Context, deviceID, name, pairingCode string) (Device, error)
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	GetDeviceByPairingCode(ctx context.Context, code string) (Device, error)
	ListUserDevices(ctx context.Context, userID string) ([]Device, error)
	SetDeviceOnline(ctx context.Context, deviceID string, online bool) error

	// Ownership. GetDeviceOwner returns "" without error when unpaired.
	GetDeviceOwner(ctx context.Context, deviceID string) (string, error)
	CreateDevicePairing(ctx context.Context, userID, deviceID string) error
	DeleteDevicePairing(ctx context.Context, deviceID string) error
	GetAllDevicePairings(ctx context.Context) (map[string]string, error)

	// Dogs and metrics.
	GetUserDogs(ctx context.Context, userID string) ([]Dog, error)
	GetMetrics(ctx context.Context, dogID, userID string, since time.Time) (map[string]float64, error)
	LogMetric(ctx context.Context, dogID, userID, metricType string, value float64) error
	LogMission(ctx context.Context, dogID, userID, missionType, result, details string) error
}

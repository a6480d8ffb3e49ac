package routing

import (
	"errors"
	"sync"
)

// ErrUnknownClient is returned by Lookup for a client that never registered an address
var ErrUnknownClient = errors.New("unknown client")

// Directory remembers where each client can be reached. A replica learns the address from the client's requests and
// uses it to send back replies.
type Directory interface {
	// Register records addr as the current address of clientID, replacing any previous one
	Register(clientID, addr string) error
	// Lookup returns the address last registered for clientID
	Lookup(clientID string) (string, error)
	Close() error
}

// MemoryDirectory is a Directory that forgets everything when the process exits
type MemoryDirectory struct {
	mu        sync.RWMutex
	addresses map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{addresses: make(map[string]string)}
}

func (d *MemoryDirectory) Register(clientID, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addresses[clientID] = addr
	return nil
}

func (d *MemoryDirectory) Lookup(clientID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addresses[clientID]
	if !ok {
		return "", ErrUnknownClient
	}
	return addr, nil
}

func (d *MemoryDirectory) Close() error {
	return nil
}

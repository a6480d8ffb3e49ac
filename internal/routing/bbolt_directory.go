package routing

import (
	"bytes"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var clientsBucket = []byte("clients")

// BoltDirectory is a Directory kept in a bbolt file, so a replica restarted for recovery can still answer the clients
// it knew before the crash
type BoltDirectory struct {
	conn *bbolt.DB
}

// NewBoltDirectory opens (or creates) the directory stored at path
func NewBoltDirectory(path string) (*BoltDirectory, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(clientsBucket); err != nil {
			return fmt.Errorf("failed to create clients bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltDirectory{conn: db}, nil
}

// Register implements Directory. Registering the address a client already has does not write.
func (d *BoltDirectory) Register(clientID, addr string) error {
	key, value := []byte(clientID), []byte(addr)

	var known bool
	err := d.conn.View(func(tx *bbolt.Tx) error {
		known = bytes.Equal(tx.Bucket(clientsBucket).Get(key), value)
		return nil
	})
	if err != nil || known {
		return err
	}

	return d.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(clientsBucket).Put(key, value); err != nil {
			return fmt.Errorf("failed to register client %s: %w", clientID, err)
		}
		return nil
	})
}

// Lookup implements Directory
func (d *BoltDirectory) Lookup(clientID string) (string, error) {
	var addr string
	err := d.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if data == nil {
			return fmt.Errorf("client %s: %w", clientID, ErrUnknownClient)
		}
		addr = string(data)
		return nil
	})
	return addr, err
}

// Clients returns every registered client id with its address
func (d *BoltDirectory) Clients() (map[string]string, error) {
	clients := make(map[string]string)
	err := d.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, v []byte) error {
			clients[string(k)] = string(v)
			return nil
		})
	})
	return clients, err
}

// Close closes the underlying database
func (d *BoltDirectory) Close() error {
	return d.conn.Close()
}

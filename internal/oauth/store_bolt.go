package oauth

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const tokensBucket = "oauth_tokens"

// BoltTokenStore persists tokens in a BoltDB file. This is the default
// store for long-running processes.
type BoltTokenStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// NewBoltTokenStore opens (or creates) the token database at path.
func NewBoltTokenStore(path string, logger *zap.Logger) (*BoltTokenStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists([]byte(tokensBucket))
		return berr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tokens bucket: %w", err)
	}
	return &BoltTokenStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *BoltTokenStore) Close() error {
	return s.db.Close()
}

// FindToken implements TokenStore
func (s *BoltTokenStore) FindToken(principal, server string) (*Tokens, error) {
	var tokens *Tokens
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(tokensBucket)).Get([]byte(StorageKey(principal, server)))
		if data == nil {
			return ErrNoToken
		}
		tokens = &Tokens{}
		return json.Unmarshal(data, tokens)
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// CreateToken implements TokenStore
func (s *BoltTokenStore) CreateToken(principal, server string, tokens *Tokens) error {
	return s.put(principal, server, tokens, true)
}

// UpdateToken implements TokenStore
func (s *BoltTokenStore) UpdateToken(principal, server string, tokens *Tokens) error {
	return s.put(principal, server, tokens, false)
}

func (s *BoltTokenStore) put(principal, server string, tokens *Tokens, mustBeNew bool) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	key := []byte(StorageKey(principal, server))
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tokensBucket))
		if mustBeNew && bucket.Get(key) != nil {
			return fmt.Errorf("token already exists for %s/%s", principal, server)
		}
		s.logger.Debug("Storing token", zap.String("server", server))
		return bucket.Put(key, data)
	})
}

package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// TokenStore persists every upstream server's OAuth token in a single JSON
// document, keyed by server name, under <data-dir>/mcp-hub/oauth-storage.json.
// Writes are single-writer per server name (a mutex per key) and the whole
// file is rewritten atomically via temp-file-then-rename, the same pattern
// used by the workspace cache.
type TokenStore struct {
	path string

	fileMu sync.Mutex // guards load/save of the on-disk document

	keyMu   sync.Mutex // guards the per-server mutex map itself
	keyLock map[string]*sync.Mutex

	logger *zap.Logger
}

type tokenDocument struct {
	Tokens map[string]*TokenRecord `json:"tokens"`
}

// NewTokenStore builds a TokenStore rooted at dir (e.g. "<data-dir>/mcp-hub").
func NewTokenStore(dir string, logger *zap.Logger) (*TokenStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating oauth storage dir: %w", err)
	}
	return &TokenStore{
		path:    filepath.Join(dir, "oauth-storage.json"),
		keyLock: make(map[string]*sync.Mutex),
		logger:  logger,
	}, nil
}

func (s *TokenStore) lockFor(serverName string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	m, ok := s.keyLock[serverName]
	if !ok {
		m = &sync.Mutex{}
		s.keyLock[serverName] = m
	}
	return m
}

// Get returns the stored token for serverName, or nil if none is on file.
func (s *TokenStore) Get(serverName string) (*TokenRecord, error) {
	lock := s.lockFor(serverName)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Tokens[serverName], nil
}

// Store persists rec as serverName's token, overwriting any prior value.
func (s *TokenStore) Store(serverName string, rec *TokenRecord) error {
	lock := s.lockFor(serverName)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Tokens[serverName] = rec

	if err := s.save(doc); err != nil {
		return err
	}
	s.logger.Info("oauth token stored", zap.String("server", serverName), zap.Bool("has_refresh_token", rec.RefreshToken != ""))
	return nil
}

// Delete removes serverName's stored token, if any.
func (s *TokenStore) Delete(serverName string) error {
	lock := s.lockFor(serverName)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Tokens[serverName]; !ok {
		return nil
	}
	delete(doc.Tokens, serverName)

	if err := s.save(doc); err != nil {
		return err
	}
	s.logger.Info("oauth token deleted", zap.String("server", serverName))
	return nil
}

func (s *TokenStore) load() (*tokenDocument, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) || len(data) == 0 {
		return &tokenDocument{Tokens: make(map[string]*TokenRecord)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading oauth storage: %w", err)
	}

	var doc tokenDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing oauth storage: %w", err)
	}
	if doc.Tokens == nil {
		doc.Tokens = make(map[string]*TokenRecord)
	}
	return &doc, nil
}

func (s *TokenStore) save(doc *tokenDocument) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling oauth storage: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing oauth storage temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming oauth storage: %w", err)
	}
	return nil
}

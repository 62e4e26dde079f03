package store

import (
	"crypto/rand"
	"fmt"
	"sync"
)

const (
	// HashSize is the size of a stored password digest
	HashSize = 32
	// TokenSize is the size of a session token
	TokenSize = 32
)

// DuplicatePolicy selects what CreateOrGetSession does when the username
// already exists. The reference behavior is to silently issue a fresh
// token without touching the stored hash; the alternatives are explicit
// so operators pick one instead of relying on that ambiguity.
type DuplicatePolicy string

const (
	// DuplicateReissue keeps the stored hash and issues a fresh token
	DuplicateReissue DuplicatePolicy = "reissue"
	// DuplicateReject issues no token for an existing username
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateUpdate overwrites the stored hash and issues a fresh token
	DuplicateUpdate DuplicatePolicy = "update"
)

// ParseDuplicatePolicy validates a policy name from config
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case DuplicateReissue, DuplicateReject, DuplicateUpdate:
		return DuplicatePolicy(s), nil
	}
	return "", fmt.Errorf("unknown duplicate_policy %q (want reissue, reject, or update)", s)
}

// Account is one registered username
type Account struct {
	Username     string
	PasswordHash [HashSize]byte
	UnreadCount  uint32
}

// MemStore holds accounts and session tokens in memory. It is an explicit
// object handed to whoever needs it, never package state, and is safe for
// concurrent use: the mutex keeps check-then-insert and compare-then-issue
// sequences atomic across connections.
type MemStore struct {
	mu sync.RWMutex

	policy   DuplicatePolicy
	accounts map[string]*Account
	sessions map[string][TokenSize]byte // username -> live token
}

// NewMemStore creates an empty store with the given duplicate policy.
// An empty policy falls back to the reference behavior, reissue.
func NewMemStore(policy DuplicatePolicy) *MemStore {
	if policy == "" {
		policy = DuplicateReissue
	}
	return &MemStore{
		policy:   policy,
		accounts: make(map[string]*Account),
		sessions: make(map[string][TokenSize]byte),
	}
}

// Policy returns the configured duplicate policy
func (s *MemStore) Policy() DuplicatePolicy {
	return s.policy
}

// CreateOrGetSession registers the username on first sight and binds a
// fresh random token to it. For an existing username the configured
// policy decides: reissue leaves the stored hash untouched and still
// issues a token, reject issues nothing (ok=false, zero token), update
// overwrites the hash first. The token is fresh on every successful call.
func (s *MemStore) CreateOrGetSession(username string, hash [HashSize]byte) ([TokenSize]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, exists := s.accounts[username]
	if !exists {
		s.accounts[username] = &Account{Username: username, PasswordHash: hash}
		return s.issueToken(username), true
	}

	switch s.policy {
	case DuplicateReject:
		return [TokenSize]byte{}, false
	case DuplicateUpdate:
		acct.PasswordHash = hash
	}
	return s.issueToken(username), true
}

// Login succeeds iff the username is registered and its stored hash
// equals the supplied one. On success a fresh token replaces any previous
// one and the current unread count is returned; on failure the token is
// all zeroes and the count is 0.
func (s *MemStore) Login(username string, hash [HashSize]byte) (bool, [TokenSize]byte, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, exists := s.accounts[username]
	if !exists || acct.PasswordHash != hash {
		return false, [TokenSize]byte{}, 0
	}
	return true, s.issueToken(username), acct.UnreadCount
}

// AddUnread bumps the unread counter for a username. The opcodes that
// would feed this (message delivery) are future protocol extensions, so
// today it serves tests and tooling.
func (s *MemStore) AddUnread(username string, delta uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, exists := s.accounts[username]
	if !exists {
		return fmt.Errorf("unknown account %q", username)
	}
	acct.UnreadCount += delta
	return nil
}

// SessionToken returns the live token bound to a username, if any
func (s *MemStore) SessionToken(username string) ([TokenSize]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.sessions[username]
	return token, ok
}

// AccountCount returns the number of registered accounts
func (s *MemStore) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// SessionCount returns the number of usernames holding a live token
func (s *MemStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// issueToken binds a fresh random token to the username. Caller must
// hold s.mu.
func (s *MemStore) issueToken(username string) [TokenSize]byte {
	var token [TokenSize]byte
	if _, err := rand.Read(token[:]); err != nil {
		panic(fmt.Sprintf("store: crypto/rand failed: %v", err)) // Crypto rand failure is unrecoverable
	}
	s.sessions[username] = token
	return token
}

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMalformedPair = errors.New("malformed token entry")
)

// Source yields the current bearer credential.
type Source interface {
	Token() (string, bool)
}

// Store is a mutable Source; clearing it models a logout.
type Store struct {
	mu    sync.RWMutex
	token string
}

func NewStore(token string) *Store {
	return &Store{token: token}
}

func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

func (s *Store) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.Set("")
}

// User is an account known to the relay server.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Table verifies bearer tokens against a fixed set of users.
type Table struct {
	byToken map[string]User
	byID    map[int64]User
}

func NewTable() *Table {
	return &Table{
		byToken: make(map[string]User),
		byID:    make(map[int64]User),
	}
}

// ParseTable reads entries of the form "token=id:username".
func ParseTable(entries []string) (*Table, error) {
	table := NewTable()
	for _, entry := range entries {
		token, rest, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || token == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPair, entry)
		}
		idStr, name, _ := strings.Cut(rest, ":")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformedPair, entry, err)
		}
		if name == "" {
			name = "user_" + idStr
		}
		table.Add(token, User{ID: id, Username: name})
	}
	return table, nil
}

func (t *Table) Add(token string, user User) {
	t.byToken[token] = user
	t.byID[user.ID] = user
}

func (t *Table) Verify(token string) (User, error) {
	user, ok := t.byToken[token]
	if !ok {
		return User{}, ErrInvalidToken
	}
	return user, nil
}

func (t *Table) Lookup(id int64) (User, bool) {
	user, ok := t.byID[id]
	return user, ok
}

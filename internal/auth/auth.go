// Package auth applies credentials to outbound HTTP requests. Token
// acquisition happens elsewhere; this package only attaches what it is
// given.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Authenticator mutates an outbound request with credentials. It is
// invoked once per transport attempt.
type Authenticator interface {
	Apply(req *http.Request) error
}

type Config struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
	APIKey    string `mapstructure:"api_key"`
}

func (c Config) Validate() error {
	set := 0
	for _, v := range []string{c.Token, c.TokenFile, c.APIKey} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return errors.New("auth: only one of token, token_file, api_key may be set")
	}
	return nil
}

// Build returns the authenticator for c. An empty config yields None.
func (c Config) Build() (Authenticator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch {
	case c.Token != "":
		return Bearer(c.Token), nil
	case c.TokenFile != "":
		return NewTokenFile(c.TokenFile)
	case c.APIKey != "":
		return APIKey(c.APIKey), nil
	default:
		return None{}, nil
	}
}

type None struct{}

func (None) Apply(*http.Request) error { return nil }

// Bearer sets a static Authorization: Bearer header.
type Bearer string

func (b Bearer) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(b))
	return nil
}

// APIKey adds a key query parameter.
type APIKey string

func (k APIKey) Apply(req *http.Request) error {
	q := req.URL.Query()
	q.Set("key", string(k))
	req.URL.RawQuery = q.Encode()
	return nil
}

// TokenFile reads a bearer token from a file and re-reads it whenever
// the file's modification time changes, so an external refresher can
// rotate it.
type TokenFile struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	token   string
}

func NewTokenFile(path string) (*TokenFile, error) {
	t := &TokenFile{path: path}
	if _, err := t.current(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TokenFile) Apply(req *http.Request) error {
	token, err := t.current()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (t *TokenFile) current() (string, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		return "", fmt.Errorf("auth: stat token file: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && info.ModTime().Equal(t.modTime) {
		return t.token, nil
	}
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return "", fmt.Errorf("auth: read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("auth: token file %s is empty", t.path)
	}
	t.token = token
	t.modTime = info.ModTime()
	return token, nil
}

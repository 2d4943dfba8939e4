// Package secrets loads backing store credentials.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// ErrMissing is returned when a loader finds no usable credentials.
var ErrMissing = errors.New("database credentials missing")

// Credentials for the database user.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Loader resolves database credentials.
type Loader interface {
	Load(ctx context.Context) (Credentials, error)
}

// FileLoader reads a mounted JSON secret of the form
// {"username": "...", "password": "..."}.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(ctx context.Context) (Credentials, error) {
	var c Credentials
	b, err := os.ReadFile(l.Path)
	if err != nil {
		return c, fmt.Errorf("read secret %s: %w", l.Path, err)
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("decode secret %s: %w", l.Path, err)
	}
	if c.Username == "" || c.Password == "" {
		return c, fmt.Errorf("secret %s: %w", l.Path, ErrMissing)
	}
	return c, nil
}

// EnvLoader reads DB_USER and DB_PASSWORD.
type EnvLoader struct{}

func (EnvLoader) Load(ctx context.Context) (Credentials, error) {
	c := Credentials{Username: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD")}
	if c.Username == "" || c.Password == "" {
		return c, fmt.Errorf("DB_USER/DB_PASSWORD: %w", ErrMissing)
	}
	return c, nil
}

// NewLoader picks the file loader when a secret path is configured and the
// environment otherwise.
func NewLoader(secretFile string) Loader {
	if secretFile != "" {
		return FileLoader{Path: secretFile}
	}
	return EnvLoader{}
}

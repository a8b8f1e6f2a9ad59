package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TokenSource supplies the bearer credential for outbound calls
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Refresher is implemented by token sources that can obtain a new credential
// after the API answers 401
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// StaticToken always returns the same credential. An empty token sends no header.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// FileToken re-reads the credential from a file maintained by the login flow.
// Refresh re-reads it as well, picking up a token rotated after a 401.
type FileToken struct {
	Path string
}

func (f FileToken) Token(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (f FileToken) Refresh(ctx context.Context) (string, error) {
	return f.Token(ctx)
}

// NewTokenSource prefers the token file when one is configured
func NewTokenSource(token, file string) TokenSource {
	if strings.TrimSpace(file) != "" {
		return FileToken{Path: file}
	}
	return StaticToken(strings.TrimSpace(token))
}

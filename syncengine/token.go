// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for remote calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken returns a fixed bearer token.
func StaticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

// JWTTokenSource wraps another source and inspects the token's exp claim
// before every use, so an expired session surfaces as an AuthError locally
// instead of burning a network round trip on a guaranteed 401. The signature
// is not verified here; that is the server's job.
type JWTTokenSource struct {
	inner  TokenSource
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTTokenSource wraps inner with local expiry checking.
func NewJWTTokenSource(inner TokenSource) *JWTTokenSource {
	return &JWTTokenSource{
		inner:  inner,
		parser: jwt.NewParser(),
		now:    time.Now,
	}
}

func (s *JWTTokenSource) Token(ctx context.Context) (string, error) {
	token, err := s.inner.Token(ctx)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{}
	if _, _, err := s.parser.ParseUnverified(token, claims); err != nil {
		return "", &AuthError{Reason: fmt.Sprintf("malformed bearer token: %v", err)}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", &AuthError{Reason: fmt.Sprintf("bearer token has invalid exp claim: %v", err)}
	}
	if exp != nil && exp.Before(s.now()) {
		return "", &AuthError{Reason: "bearer token expired"}
	}
	return token, nil
}

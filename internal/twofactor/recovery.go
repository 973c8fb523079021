// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package twofactor

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"strings"

	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
)

const (
	recoveryAlphabet    = "ABCDEFGHJKMNPQRSTVWXYZ23456789"
	recoveryGroups      = 4
	recoveryGroupLength = 5
)

// GenerateRecoveryCode returns a new recovery code formatted as dash
// separated groups, and the hash to store.
func GenerateRecoveryCode() (code, hash string, err error) {
	chars, err := recoveryChars(rand.Reader, recoveryGroups*recoveryGroupLength)
	if err != nil {
		return "", "", oops.Code("RECOVERY_CODE_GENERATE_FAILED").Wrap(err)
	}
	var sb strings.Builder
	for i, c := range chars {
		if i > 0 && i%recoveryGroupLength == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(c)
	}
	code = sb.String()
	return code, auth.HashSessionToken(normalizeRecoveryCode(code)), nil
}

// recoveryChars draws n uniformly distributed alphabet characters from src.
// Bytes at or above the largest multiple of the alphabet size are discarded.
func recoveryChars(src io.Reader, n int) ([]byte, error) {
	limit := 256 - 256%len(recoveryAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(src, buf); err != nil {
			return nil, err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, recoveryAlphabet[int(b)%len(recoveryAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return out, nil
}

// normalizeRecoveryCode drops separators and case so users can type the
// code loosely.
func normalizeRecoveryCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			return -1
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return r
		}
	}, code)
}

// MatchRecoveryCode compares code against a stored hash in constant time.
func MatchRecoveryCode(code, hash string) bool {
	if hash == "" {
		return false
	}
	candidate := auth.HashSessionToken(normalizeRecoveryCode(code))
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(hash)) == 1
}

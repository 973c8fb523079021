// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package mocks provides testify mocks for passkey interfaces.
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/passkey"
)

// MockRelyingParty is a mock passkey.RelyingParty.
type MockRelyingParty struct {
	mock.Mock
}

// NewMockRelyingParty creates a MockRelyingParty that asserts its
// expectations when the test ends.
func NewMockRelyingParty(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockRelyingParty {
	m := &MockRelyingParty{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// BeginRegistration implements passkey.RelyingParty.
func (m *MockRelyingParty) BeginRegistration(account *passkey.Account, kind auth.CredentialKind) (*passkey.Ceremony, error) {
	args := m.Called(account, kind)
	c, _ := args.Get(0).(*passkey.Ceremony)
	return c, args.Error(1)
}

// FinishRegistration implements passkey.RelyingParty.
func (m *MockRelyingParty) FinishRegistration(account *passkey.Account, sessionData, response []byte) (*auth.WebAuthnCredential, error) {
	args := m.Called(account, sessionData, response)
	c, _ := args.Get(0).(*auth.WebAuthnCredential)
	return c, args.Error(1)
}

// BeginLogin implements passkey.RelyingParty.
func (m *MockRelyingParty) BeginLogin(account *passkey.Account, kind auth.CredentialKind) (*passkey.Ceremony, error) {
	args := m.Called(account, kind)
	c, _ := args.Get(0).(*passkey.Ceremony)
	return c, args.Error(1)
}

// ParseAssertion implements passkey.RelyingParty.
func (m *MockRelyingParty) ParseAssertion(response []byte) (*passkey.Assertion, error) {
	args := m.Called(response)
	a, _ := args.Get(0).(*passkey.Assertion)
	return a, args.Error(1)
}

// FinishLogin implements passkey.RelyingParty.
func (m *MockRelyingParty) FinishLogin(account *passkey.Account, sessionData []byte, assertion *passkey.Assertion) (*passkey.VerifiedAssertion, error) {
	args := m.Called(account, sessionData, assertion)
	v, _ := args.Get(0).(*passkey.VerifiedAssertion)
	return v, args.Error(1)
}

package ua

import (
	"github.com/awnumar/memguard"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
)

// Identity is a username/password user identity. A nil *Identity means
// anonymous. The password lives in an encrypted memguard enclave and is
// only decrypted for the duration of WithPassword
type Identity struct {
	Username string
	password *memguard.Enclave
}

// NewIdentity returns nil for an anonymous identity (both fields empty)
// and an error when only one of username and password is given
func NewIdentity(username, password string) (*Identity, error) {
	switch {
	case username == "" && password == "":
		return nil, nil
	case username == "" || password == "":
		return nil, crawlerrors.ErrInvalidIdentity
	}
	return &Identity{
		Username: username,
		password: memguard.NewEnclave([]byte(password)),
	}, nil
}

// Anonymous reports whether id carries no credentials
func (id *Identity) Anonymous() bool {
	return id == nil
}

// WithPassword opens the enclave and passes the plaintext password to fn.
// The decrypted buffer is destroyed when fn returns
func (id *Identity) WithPassword(fn func(password string) error) error {
	buf, err := id.password.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(string(buf.Bytes()))
}

func (id *Identity) String() string {
	if id == nil {
		return "anonymous"
	}
	return "user:" + id.Username
}

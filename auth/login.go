package auth

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrMalformedLogin = errors.New("malformed login package")

// LoginPackage is the msgpack document a client sends inside a login frame.
type LoginPackage struct {
	Token string `msgpack:"token"`
}

func DecodeLoginPackage(data []byte) (LoginPackage, error) {
	var pkg LoginPackage
	if len(data) == 0 {
		return pkg, ErrMalformedLogin
	}
	if err := msgpack.Unmarshal(data, &pkg); err != nil {
		return pkg, fmt.Errorf("%w: %v", ErrMalformedLogin, err)
	}
	if pkg.Token == "" {
		return pkg, fmt.Errorf("%w: missing token", ErrMalformedLogin)
	}
	return pkg, nil
}

func EncodeLoginPackage(token string) ([]byte, error) {
	return msgpack.Marshal(&LoginPackage{Token: token})
}

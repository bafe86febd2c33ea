package secrets

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	terrors "github.com/PolarWolf314/tresor/internal/errors"

	"golang.org/x/crypto/ssh"
)

// ParsePrivateKey reads an RSA private key in PKCS#1 PEM, PKCS#8 PEM or
// OpenSSH format. passphrase opens an encrypted OpenSSH key.
//
// Returns ErrPassphraseRequired when the key is encrypted and no passphrase
// was given, and ErrWrongSecret when the passphrase does not open it.
func ParsePrivateKey(data, passphrase []byte) (*rsa.PrivateKey, error) {
	var (
		raw any
		err error
	)
	if len(passphrase) > 0 {
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	} else {
		raw, err = ssh.ParseRawPrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		switch {
		case errors.As(err, &missing):
			return nil, terrors.ErrPassphraseRequired
		case errors.Is(err, x509.IncorrectPasswordError):
			return nil, terrors.ErrWrongSecret
		default:
			return nil, fmt.Errorf("%w: %v", terrors.ErrInvalidPrivateKey, err)
		}
	}

	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an RSA key", terrors.ErrInvalidPrivateKey, raw)
	}
	return key, nil
}

package provision

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"
)

// passwordAlphabet deliberately omits characters that are ambiguous in
// monospace fonts (0/O, 1/l/I) since passwords are relayed to users verbally
// or over chat.
const passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GeneratePassword returns a random password of the given length from the
// reduced alphabet.
func GeneratePassword(length int) (string, error) {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// GenerateKeypair creates a fresh ed25519 keypair and returns the OpenSSH
// PEM private key plus the authorized_keys line for the public half.
func GenerateKeypair(comment string) (privateKeyPEM, authorizedKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", "", fmt.Errorf("encode private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("encode public key: %w", err)
	}

	authorized := string(ssh.MarshalAuthorizedKey(sshPub))
	// MarshalAuthorizedKey terminates with a newline; append the comment
	// before it for readability in the installed file.
	if comment != "" {
		authorized = authorized[:len(authorized)-1] + " " + comment + "\n"
	}
	return string(pem.EncodeToMemory(block)), authorized, nil
}

package framed

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
)

//keystorePasswordEnv names the environment variable that unlocks the
//private key stored alongside the certificate in the keystore file.
//Mirrors the out-of-band passphrase delivery used by the reference
//server's JKS keystore, adapted to a plain PEM bundle.
const keystorePasswordEnv = "KEYSTORE_PASSWORD"

//ErrKeystorePasswordRequired is returned when the keystore's private
//key is encrypted but no passphrase was provided in the environment
var ErrKeystorePasswordRequired = errors.New("keystore private key is encrypted but " + keystorePasswordEnv + " is not set")

//LoadKeystore reads a PEM bundle at path containing one certificate
//and one private key (optionally password-protected, legacy PEM
//encryption) and returns a tls.Certificate ready to serve TLS
//connections.
func LoadKeystore(path string) (tls.Certificate, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read keystore %s: %w", path, err)
	}

	var certDER [][]byte
	var keyDER []byte

	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case "CERTIFICATE":
			certDER = append(certDER, block.Bytes)
		case "RSA PRIVATE KEY", "EC PRIVATE KEY", "PRIVATE KEY":
			keyBytes := block.Bytes
			if x509.IsEncryptedPEMBlock(block) {
				password := os.Getenv(keystorePasswordEnv)
				if password == "" {
					return tls.Certificate{}, ErrKeystorePasswordRequired
				}
				keyBytes, err = x509.DecryptPEMBlock(block, []byte(password))
				if err != nil {
					return tls.Certificate{}, fmt.Errorf("failed to unlock keystore private key: %w", err)
				}
			}
			keyDER = keyBytes
		}
	}

	if len(certDER) == 0 {
		return tls.Certificate{}, fmt.Errorf("keystore %s contains no certificate", path)
	}
	if keyDER == nil {
		return tls.Certificate{}, fmt.Errorf("keystore %s contains no private key", path)
	}

	var keyPEM []byte
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	var certPEM []byte
	for _, der := range certDER {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to assemble keystore certificate: %w", err)
	}

	return cert, nil
}

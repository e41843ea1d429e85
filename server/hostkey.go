package server

import "github.com/gonzalop/sftpd/internal/hostkey"

// HostKeyAlgorithm identifies the signature scheme of the server host key.
type HostKeyAlgorithm = hostkey.Algorithm

// Host key algorithms accepted by WithHostKeyAlgorithm.
const (
	HostKeyRSA     = hostkey.RSA
	HostKeyECDSA   = hostkey.ECDSA
	HostKeyEd25519 = hostkey.Ed25519
)

// HostKeyRecord is the host key installed by Start: the key store path,
// the algorithm, the signer and whether the key was generated.
type HostKeyRecord = hostkey.Record

// ParseHostKeyAlgorithm converts a configuration value ("rsa", "ecdsa",
// "ed25519") into a HostKeyAlgorithm. The empty string selects RSA.
func ParseHostKeyAlgorithm(s string) (HostKeyAlgorithm, error) {
	return hostkey.ParseAlgorithm(s)
}

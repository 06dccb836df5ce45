package axolotl

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// x3dhInfo labels the root key derivation.
var x3dhInfo = []byte("OMEMO X3DH")

// initiatorRoot derives the shared root key on the initiating side.
//
//	dh1 = DH(IK_A, SPK_B)
//	dh2 = DH(EK_A, IK_B)
//	dh3 = DH(EK_A, SPK_B)
//	dh4 = DH(EK_A, OPK_B)   (when a one-time pre-key was available)
func initiatorRoot(ourIdentity *IdentityKeyPair, ourEphemeral *KeyPair, peerIdentityDH, peerSPK, peerOPK []byte) ([]byte, error) {
	dh1, err := dh(ourIdentity.DH.Private, peerSPK)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourEphemeral.Private, peerIdentityDH)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourEphemeral.Private, peerSPK)
	if err != nil {
		return nil, err
	}
	secrets := make([]byte, 0, 4*DHKeySize)
	secrets = append(secrets, dh1...)
	secrets = append(secrets, dh2...)
	secrets = append(secrets, dh3...)
	if peerOPK != nil {
		dh4, err := dh(ourEphemeral.Private, peerOPK)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, dh4...)
	}
	return deriveRoot(secrets)
}

// responderRoot mirrors initiatorRoot using the responder's private keys and
// the base key carried by the inbound pre-key message.
func responderRoot(ourIdentity *IdentityKeyPair, ourSPK *KeyPair, ourOPK *KeyPair, peerIdentityDH, peerBaseKey []byte) ([]byte, error) {
	dh1, err := dh(ourSPK.Private, peerIdentityDH)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourIdentity.DH.Private, peerBaseKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourSPK.Private, peerBaseKey)
	if err != nil {
		return nil, err
	}
	secrets := make([]byte, 0, 4*DHKeySize)
	secrets = append(secrets, dh1...)
	secrets = append(secrets, dh2...)
	secrets = append(secrets, dh3...)
	if ourOPK != nil {
		dh4, err := dh(ourOPK.Private, peerBaseKey)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, dh4...)
	}
	return deriveRoot(secrets)
}

func deriveRoot(secrets []byte) ([]byte, error) {
	root := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secrets, nil, x3dhInfo), root); err != nil {
		return nil, fmt.Errorf("axolotl: derive root key: %w", err)
	}
	return root, nil
}

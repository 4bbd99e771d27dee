// Copyright 2024 The Monitor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Field identifies one of the fixed-size fields the monitor exposes to
// attestation callers, mirroring the SM_FIELD_* constants in Section 9's
// supplemented attestation interface.
type Field int

const (
	// FieldDevicePublicKey is the device's Ed25519 public key (32 bytes),
	// burned in at manufacture and never rotated.
	FieldDevicePublicKey Field = iota
	// FieldSecurityMonitorHash is the measurement of the security monitor
	// itself (64 bytes): the SHA-3-512 digest of its code and data at boot.
	FieldSecurityMonitorHash
	// FieldSecurityMonitorPublicKey is the security monitor's own attestation
	// public key (32 bytes), derived once at boot and certified by the
	// device key.
	FieldSecurityMonitorPublicKey
	// FieldDeviceSignature is the device key's signature (64 bytes) over
	// the security monitor's public key and hash, certifying the monitor
	// that is currently running.
	FieldDeviceSignature
)

// FieldSize returns the fixed size of an attestation field, or 0 for an
// unknown field.
func FieldSize(f Field) int {
	switch f {
	case FieldDevicePublicKey, FieldSecurityMonitorPublicKey:
		return ed25519.PublicKeySize
	case FieldSecurityMonitorHash:
		return HashSize
	case FieldDeviceSignature:
		return ed25519.SignatureSize
	default:
		return 0
	}
}

// AttestationKeys holds the device key pair and the per-boot security
// monitor key pair used to build an attestation report, following the
// Keystone/Sanctum key hierarchy: a device key certifies a freshly derived
// monitor key at every boot, binding it to the monitor's own measurement.
type AttestationKeys struct {
	DevicePublic ed25519.PublicKey
	devicePriv   ed25519.PrivateKey

	SMPublic ed25519.PublicKey
	smPriv   ed25519.PrivateKey

	SMHash [HashSize]byte

	// DeviceSignature certifies SMPublic||SMHash with the device key. It is
	// computed once, at boot, by Certify.
	DeviceSignature []byte
}

// NewAttestationKeys derives a fresh per-boot security monitor key pair.
// devicePriv is the long-lived device key, provisioned once at manufacture
// and supplied by boot configuration thereafter; it never leaves this
// package.
func NewAttestationKeys(devicePub ed25519.PublicKey, devicePriv ed25519.PrivateKey) (*AttestationKeys, error) {
	smPub, smPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: deriving security monitor key pair: %w", err)
	}
	return &AttestationKeys{
		DevicePublic: devicePub,
		devicePriv:   devicePriv,
		SMPublic:     smPub,
		smPriv:       smPriv,
	}, nil
}

// Certify binds the security monitor's own measurement into the attestation
// chain: it records smHash and signs SMPublic||smHash with the device key.
// It must be called exactly once, after the monitor has finished measuring
// its own code and data but before it services any enclave call.
func (k *AttestationKeys) Certify(smHash [HashSize]byte) {
	k.SMHash = smHash
	msg := make([]byte, 0, len(k.SMPublic)+len(smHash))
	msg = append(msg, k.SMPublic...)
	msg = append(msg, smHash[:]...)
	k.DeviceSignature = ed25519.Sign(k.devicePriv, msg)
}

// Field returns the fixed-size bytes backing attestation field f.
func (k *AttestationKeys) Field(f Field) ([]byte, error) {
	switch f {
	case FieldDevicePublicKey:
		return append([]byte(nil), k.DevicePublic...), nil
	case FieldSecurityMonitorHash:
		h := k.SMHash
		return h[:], nil
	case FieldSecurityMonitorPublicKey:
		return append([]byte(nil), k.SMPublic...), nil
	case FieldDeviceSignature:
		return append([]byte(nil), k.DeviceSignature...), nil
	default:
		return nil, fmt.Errorf("crypto: unknown attestation field %d", f)
	}
}

// SignReport signs an enclave's measurement with the security monitor's
// per-boot key, the report an enclave receives from a report-generation
// call so a remote party can verify it against the certified chain in
// Field.
func (k *AttestationKeys) SignReport(enclaveHash [HashSize]byte, data []byte) []byte {
	msg := make([]byte, 0, len(enclaveHash)+len(data))
	msg = append(msg, enclaveHash[:]...)
	msg = append(msg, data...)
	return ed25519.Sign(k.smPriv, msg)
}

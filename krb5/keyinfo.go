// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"crypto/rand"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/crypto/etype"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/types"
)

// encryptedLength is the ciphertext length for a plaintext of the given
// size, after krb5_c_encrypt_length in MIT Kerberos 1.16.
func encryptedLength(keyType int32, plainTextSize uint32) uint32 {
	return uint32(keyHeaderLength(keyType)) +
		plainTextSize +
		paddingLength(keyType, plainTextSize) +
		uint32(keyTrailerLength(keyType))
}

// after krb5int_c_padding_length
func paddingLength(keyType int32, dataLength uint32) uint32 {
	dataLength += uint32(keyHeaderLength(keyType))
	padding := uint32(keyPaddingLength(keyType))

	if padding == 0 || dataLength%padding == 0 {
		return 0
	}
	return padding - dataLength%padding
}

func keyHeaderLength(keyType int32) uint {
	key, err := crypto.GetEtype(keyType)
	if err != nil {
		return 0
	}

	switch key.(type) {
	case crypto.RC4HMAC:
		return uint(key.GetHMACBitLength()/8 + key.GetConfounderByteSize())
	case crypto.Des3CbcSha1Kd, crypto.Aes128CtsHmacSha96, crypto.Aes128CtsHmacSha256128,
		crypto.Aes256CtsHmacSha96, crypto.Aes256CtsHmacSha384192:
		return uint(key.GetCypherBlockBitLength()) / 8
	}

	return 0
}

// keyPaddingLength is the block size plaintexts are padded to.  Only the
// non-CTS ciphers pad.
func keyPaddingLength(keyType int32) uint {
	key, err := crypto.GetEtype(keyType)
	if err != nil {
		return 0
	}

	if _, ok := key.(crypto.Des3CbcSha1Kd); ok {
		return uint(key.GetCypherBlockBitLength()) / 8
	}

	return 0
}

func keyTrailerLength(keyType int32) uint {
	key, err := crypto.GetEtype(keyType)
	if err != nil {
		return 0
	}

	switch key.(type) {
	case crypto.Des3CbcSha1Kd, crypto.Aes128CtsHmacSha96, crypto.Aes128CtsHmacSha256128,
		crypto.Aes256CtsHmacSha96, crypto.Aes256CtsHmacSha384192:
		return uint(key.GetHMACBitLength()) / 8
	}

	return 0
}

// checksumLength is the length of MIC and signed wrap token checksums.
func checksumLength(keyType int32) uint32 {
	key, err := crypto.GetEtype(keyType)
	if err != nil {
		return 0
	}

	return uint32(key.GetHMACBitLength() / 8)
}

// generateBaseKey is types.GenerateEncryptionKey, except that it copes with
// aes256-cts-hmac-sha384-192, whose key is shorter than its hash.
func generateBaseKey(et etype.EType) (types.EncryptionKey, error) {
	k := types.EncryptionKey{KeyType: et.GetETypeID()}

	kl := et.GetKeyByteSize()
	if et.GetETypeID() == etypeID.AES256_CTS_HMAC_SHA384_192 {
		kl = 32
	}

	k.KeyValue = make([]byte, kl)
	if _, err := rand.Read(k.KeyValue); err != nil {
		return k, err
	}

	return k, nil
}

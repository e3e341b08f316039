// SPDX-License-Identifier: Apache-2.0

package sspi

// Message protection.  Every call builds its own buffer set with a fixed
// layout and hands it to the provider, which works on it in place:
//
//	Encrypt, Sign:  [Token(trailer or signature), Data(message), Padding(block)]
//	Decrypt:        [Data(combined[:n]), Stream(combined[n:])]
//	Verify:         [Token(signed[:signature]), Data(signed[signature:]), Padding(block)]
//
// Providers treat the Data and Stream regions of a Decrypt set as one
// contiguous protected message and leave the plaintext in Data.  On a
// successful Verify they leave only the message in Data and report zero
// length for the other buffers.

const (
	opEncrypt = "encrypt"
	opDecrypt = "decrypt"
	opSign    = "sign"
	opVerify  = "verify"
)

// protectSetup returns the context handle and current sizes for a
// protection call.
func (c *SecurityContext) protectSetup() (*handle[ContextHandle], ContextSizes, error) {
	c.mu.Lock()
	h, err := c.establishedHandle()
	cached := c.sizes
	c.mu.Unlock()
	if err != nil {
		return nil, ContextSizes{}, err
	}

	sizes, err := c.sizesOf(h, cached)
	if err != nil {
		return nil, ContextSizes{}, err
	}

	return h, sizes, nil
}

func (c *SecurityContext) protect(op string, msg *BufferSet, h *handle[ContextHandle], call func(ContextHandle, *BufferSet) error) error {
	c.metrics.bufferSet()

	err := h.use(func(ctx ContextHandle) error {
		return call(ctx, msg)
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if op == opVerify && isTamperStatus(StatusOf(err)) {
			outcome = "tampered"
		}
	}
	c.metrics.protect(c.info.Name, op, outcome)

	return err
}

func isTamperStatus(s Status) bool {
	return s == StatusMessageAltered || s == StatusOutOfSequence
}

// Encrypt seals p.  The result is the security trailer followed by the
// ciphertext and any padding.
func (c *SecurityContext) Encrypt(p []byte) ([]byte, error) {
	h, sizes, err := c.protectSetup()
	if err != nil {
		return nil, err
	}

	msg := NewBufferSet(
		BufferSpec{Kind: BufferToken, Size: int(sizes.SecurityTrailer)},
		BufferSpec{Kind: BufferData, Data: p},
		BufferSpec{Kind: BufferPadding, Size: int(sizes.BlockSize)},
	)
	defer msg.Free() //nolint:errcheck

	if err := c.protect(opEncrypt, msg, h, ContextHandle.Encrypt); err != nil {
		return nil, wrapStatus(err, "failed to encrypt message")
	}

	return msg.ToBytes()
}

// Decrypt opens a message produced by the peer's Encrypt.  n is the length
// of the plaintext; the rest of combined is the protection overhead.
func (c *SecurityContext) Decrypt(combined []byte, n int) ([]byte, error) {
	if n < 0 || n > len(combined) {
		return nil, Errorf(StatusIncompleteMessage, "plaintext length %d does not fit a %d byte message", n, len(combined))
	}

	h, _, err := c.protectSetup()
	if err != nil {
		return nil, err
	}

	msg := NewBufferSet(
		BufferSpec{Kind: BufferData, Data: combined[:n]},
		BufferSpec{Kind: BufferStream, Data: combined[n:]},
	)
	defer msg.Free() //nolint:errcheck

	if err := c.protect(opDecrypt, msg, h, ContextHandle.Decrypt); err != nil {
		return nil, wrapStatus(err, "failed to decrypt message")
	}

	return msg.ToBytes()
}

// Sign returns p with a signature prepended.
func (c *SecurityContext) Sign(p []byte) ([]byte, error) {
	h, sizes, err := c.protectSetup()
	if err != nil {
		return nil, err
	}

	msg := NewBufferSet(
		BufferSpec{Kind: BufferToken, Size: int(sizes.MaxSignature)},
		BufferSpec{Kind: BufferData, Data: p},
		BufferSpec{Kind: BufferPadding, Size: int(sizes.BlockSize)},
	)
	defer msg.Free() //nolint:errcheck

	if err := c.protect(opSign, msg, h, ContextHandle.MakeSignature); err != nil {
		return nil, wrapStatus(err, "failed to sign message")
	}

	return msg.ToBytes()
}

// Verify checks a message produced by the peer's Sign and returns the
// original message.  If the message was altered or arrived out of sequence
// Verify returns a nil slice and a nil error; any other failure is returned
// as an error.  A verified empty message is returned as a non-nil empty
// slice.
func (c *SecurityContext) Verify(signed []byte) ([]byte, error) {
	h, sizes, err := c.protectSetup()
	if err != nil {
		return nil, err
	}

	split := min(int(sizes.MaxSignature), len(signed))
	msg := NewBufferSet(
		BufferSpec{Kind: BufferToken, Data: signed[:split]},
		BufferSpec{Kind: BufferData, Data: signed[split:]},
		BufferSpec{Kind: BufferPadding, Size: int(sizes.BlockSize)},
	)
	defer msg.Free() //nolint:errcheck

	if err := c.protect(opVerify, msg, h, ContextHandle.VerifySignature); err != nil {
		if isTamperStatus(StatusOf(err)) {
			c.logger.Debug("message rejected", statusAttr(err))
			return nil, nil
		}

		return nil, wrapStatus(err, "failed to verify message")
	}

	return msg.ToBytes()
}

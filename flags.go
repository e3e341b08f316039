// SPDX-License-Identifier: Apache-2.0

package sspi

import "strings"

// ContextFlag is the capability bitset requested by a caller and granted by a
// provider.  The values are the ISC_REQ_* values of the Windows SSPI so that
// providers backed by a native library can pass them through unchanged.
type ContextFlag uint32

const (
	FlagDelegate        ContextFlag = 0x00000001 // delegate credentials to the acceptor
	FlagMutualAuth      ContextFlag = 0x00000002 // acceptor must authenticate itself
	FlagReplayDetect    ContextFlag = 0x00000004 // detect replayed messages
	FlagSequenceDetect  ContextFlag = 0x00000008 // detect out of sequence messages
	FlagConfidentiality ContextFlag = 0x00000010 // messages may be encrypted
	FlagUseSessionKey   ContextFlag = 0x00000020
	FlagAllocateMemory  ContextFlag = 0x00000100
	FlagConnection      ContextFlag = 0x00000800 // connection oriented framing
	FlagExtendedError   ContextFlag = 0x00004000 // report errors to the peer
	FlagStream          ContextFlag = 0x00008000 // stream oriented framing
	FlagIntegrity       ContextFlag = 0x00010000 // messages may be signed
	FlagIdentify        ContextFlag = 0x00020000 // acceptor may identify but not impersonate
)

// FlagList returns a slice of individual flags derived from the
// composite value f
func FlagList(f ContextFlag) (fl []ContextFlag) {
	t := ContextFlag(1)
	for i := 0; i < 32; i++ {
		if f&t != 0 {
			fl = append(fl, t)
		}

		t <<= 1
	}

	return
}

// FlagName returns a human-readable description of a context flag value
func FlagName(f ContextFlag) string {
	switch f {
	case FlagDelegate:
		return "Delegation"
	case FlagMutualAuth:
		return "Mutual authentication"
	case FlagReplayDetect:
		return "Message replay detection"
	case FlagSequenceDetect:
		return "Out of sequence message detection"
	case FlagConfidentiality:
		return "Confidentiality"
	case FlagUseSessionKey:
		return "Session key"
	case FlagAllocateMemory:
		return "Provider allocated memory"
	case FlagConnection:
		return "Connection"
	case FlagExtendedError:
		return "Extended errors"
	case FlagStream:
		return "Stream"
	case FlagIntegrity:
		return "Integrity"
	case FlagIdentify:
		return "Identify only"
	}

	return "Unknown"
}

func (f ContextFlag) String() string {
	var names []string
	for _, flag := range FlagList(f) {
		names = append(names, FlagName(flag))
	}

	return strings.Join(names, ", ")
}

// ParseFlag maps the short flag names used on command lines and in
// configuration files, eg. "mutual" or "conf", to a flag value.
func ParseFlag(name string) (ContextFlag, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deleg", "delegate":
		return FlagDelegate, true
	case "mutual":
		return FlagMutualAuth, true
	case "replay":
		return FlagReplayDetect, true
	case "sequence", "seq":
		return FlagSequenceDetect, true
	case "conf", "confidentiality":
		return FlagConfidentiality, true
	case "integ", "integrity":
		return FlagIntegrity, true
	case "connection":
		return FlagConnection, true
	case "stream":
		return FlagStream, true
	case "exterror", "extended-error":
		return FlagExtendedError, true
	case "identify":
		return FlagIdentify, true
	}

	return 0, false
}

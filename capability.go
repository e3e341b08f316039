// SPDX-License-Identifier: Apache-2.0

package sspi

import "strings"

// PackageCapability describes what a provider supports, as advertised in its
// ProviderInfo.  Values match the SECPKG_FLAG_* constants.
type PackageCapability uint32

const (
	CapIntegrity      PackageCapability = 0x00000001
	CapPrivacy        PackageCapability = 0x00000002
	CapTokenOnly      PackageCapability = 0x00000004
	CapDatagram       PackageCapability = 0x00000008
	CapConnection     PackageCapability = 0x00000010
	CapMultiRequired  PackageCapability = 0x00000020
	CapClientOnly     PackageCapability = 0x00000040
	CapExtendedError  PackageCapability = 0x00000080
	CapImpersonation  PackageCapability = 0x00000100
	CapWin32Name      PackageCapability = 0x00000200
	CapStream         PackageCapability = 0x00000400
	CapNegotiable     PackageCapability = 0x00000800
	CapGssCompatible  PackageCapability = 0x00001000
	CapLogon          PackageCapability = 0x00002000
	CapASCIIBuffers   PackageCapability = 0x00004000
	CapFragment       PackageCapability = 0x00008000
	CapMutualAuth     PackageCapability = 0x00010000
	CapDelegation     PackageCapability = 0x00020000
	CapReadOnlyCksum  PackageCapability = 0x00040000
	CapRestrictTokens PackageCapability = 0x00080000
	CapNegoExtender   PackageCapability = 0x00100000
	CapNegotiable2    PackageCapability = 0x00200000
)

var capabilityNames = []struct {
	c    PackageCapability
	name string
}{
	{CapIntegrity, "Integrity"},
	{CapPrivacy, "Privacy"},
	{CapTokenOnly, "TokenOnly"},
	{CapDatagram, "Datagram"},
	{CapConnection, "Connection"},
	{CapMultiRequired, "MultiRequired"},
	{CapClientOnly, "ClientOnly"},
	{CapExtendedError, "ExtendedError"},
	{CapImpersonation, "Impersonation"},
	{CapWin32Name, "Win32Name"},
	{CapStream, "Stream"},
	{CapNegotiable, "Negotiable"},
	{CapGssCompatible, "GssCompatible"},
	{CapLogon, "Logon"},
	{CapASCIIBuffers, "AsciiBuffers"},
	{CapFragment, "Fragment"},
	{CapMutualAuth, "MutualAuth"},
	{CapDelegation, "Delegation"},
	{CapReadOnlyCksum, "ReadonlyWithChecksum"},
	{CapRestrictTokens, "RestrictedTokens"},
	{CapNegoExtender, "NegoExtender"},
	{CapNegotiable2, "Negotiable2"},
}

// Has reports whether every bit of want is set in c.
func (c PackageCapability) Has(want PackageCapability) bool {
	return c&want == want
}

func (c PackageCapability) String() string {
	var names []string
	for _, n := range capabilityNames {
		if c&n.c != 0 {
			names = append(names, n.name)
		}
	}

	return strings.Join(names, "|")
}

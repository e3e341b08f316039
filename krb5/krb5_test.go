// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"sync"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-sspi"
)

const (
	testRealm   = "EXAMPLE.COM"
	testService = "HTTP/host.example.com"
	testUser    = "alice"
	testSvcPass = "service-secret"
)

func newTestKeytab(t *testing.T, password string) *keytab.Keytab {
	t.Helper()

	kt := keytab.New()
	require.NoError(t, kt.AddEntry(testService, testRealm, password, time.Now(), 1, etypeID.AES256_CTS_HMAC_SHA1_96))
	return kt
}

var (
	serviceKeytabOnce sync.Once
	serviceKeytab     *keytab.Keytab
)

// testKeytab is shared by every test; deriving keys is slow
func testKeytab(t *testing.T) *keytab.Keytab {
	t.Helper()

	serviceKeytabOnce.Do(func() {
		serviceKeytab = newTestKeytab(t, testSvcPass)
	})
	require.NotNil(t, serviceKeytab)
	return serviceKeytab
}

// fakeKDC issues service tickets for testService directly from the service
// keytab.
type fakeKDC struct {
	kt    *keytab.Keytab
	cname types.PrincipalName
	start time.Time
	life  time.Duration
}

func (k *fakeKDC) GetServiceTicket(spn string) (messages.Ticket, types.EncryptionKey, error) {
	sname := types.NewPrincipalName(nametype.KRB_NT_SRV_INST, spn)
	if spn != testService {
		return messages.Ticket{}, types.EncryptionKey{},
			messages.NewKRBError(sname, testRealm, errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, "Server not found in Kerberos database")
	}

	start := k.start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	end := start.Add(k.life)

	return messages.NewTicket(k.cname, testRealm, sname, testRealm, types.NewKrbFlags(), k.kt,
		etypeID.AES256_CTS_HMAC_SHA1_96, 1, start, start, end, end)
}

type testEnv struct {
	provider *Provider
	kdc      *fakeKDC
	catalog  *sspi.Catalog
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	kt := testKeytab(t)
	kdc := &fakeKDC{
		kt:    kt,
		cname: types.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, testUser),
		life:  time.Hour,
	}

	p := New(append([]Option{WithKeytab(kt), WithConfig(config.New())}, opts...)...)
	p.login = &login{
		tickets: kdc,
		cname:   kdc.cname,
		realm:   testRealm,
		expiry:  sspi.TimeStampNever,
	}

	return &testEnv{
		provider: p,
		kdc:      kdc,
		catalog:  sspi.NewCatalog(sspi.WithProviders(p)),
	}
}

func (e *testEnv) credential(t *testing.T, use sspi.CredentialUse, id *sspi.AuthIdentity) *sspi.Credential {
	t.Helper()

	cred := sspi.NewCredential(e.catalog, Name, use)
	if id != nil {
		require.NoError(t, cred.AcquireWithIdentity(*id))
	} else {
		require.NoError(t, cred.Acquire())
	}
	t.Cleanup(func() { cred.Release() }) //nolint:errcheck

	return cred
}

func (e *testEnv) pair(t *testing.T, flags sspi.ContextFlag, iniOpts, accOpts []sspi.ContextOption) (*sspi.SecurityContext, *sspi.SecurityContext) {
	t.Helper()

	ini, err := sspi.NewInitiator(e.credential(t, sspi.CredentialOutbound, nil), flags, iniOpts...)
	require.NoError(t, err)
	acc, err := sspi.NewAcceptor(e.credential(t, sspi.CredentialInbound, nil), flags, accOpts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ini.Release() //nolint:errcheck
		acc.Release() //nolint:errcheck
	})

	return ini, acc
}

// handshake runs the context handshake and returns the number of tokens
// sent by each side.
func handshake(ini, acc *sspi.SecurityContext, target string) (iniTokens, accTokens int, err error) {
	out, err := ini.Initialize(target, nil)
	if err != nil {
		return 0, 0, err
	}
	iniTokens++

	back, err := acc.Accept(out)
	if err != nil {
		return iniTokens, 0, err
	}
	if len(back) > 0 {
		accTokens++
	}

	if !ini.Established() {
		if _, err := ini.Initialize(target, back); err != nil {
			return iniTokens, accTokens, err
		}
	}

	return iniTokens, accTokens, nil
}

const testFlags = sspi.FlagConfidentiality | sspi.FlagIntegrity | sspi.FlagReplayDetect | sspi.FlagSequenceDetect

func establish(t *testing.T, e *testEnv, flags sspi.ContextFlag) (*sspi.SecurityContext, *sspi.SecurityContext) {
	t.Helper()

	ini, acc := e.pair(t, flags, nil, nil)
	_, _, err := handshake(ini, acc, testService)
	require.NoError(t, err)
	require.True(t, ini.Established())
	require.True(t, acc.Established())

	return ini, acc
}

func TestProviderInfo(t *testing.T) {
	assert := assert.New(t)

	info := New().Info()
	assert.Equal(Name, info.Name)
	assert.EqualValues(maxToken, info.MaxTokenSize)
	assert.EqualValues(rpcID, info.RPCID)
	assert.True(info.Capabilities&sspi.CapMutualAuth != 0)
	assert.True(info.Capabilities&sspi.CapPrivacy != 0)
}

func TestHandshakeMutual(t *testing.T) {
	assert := assert.New(t)

	e := newTestEnv(t)
	ini, acc := e.pair(t, testFlags|sspi.FlagMutualAuth, nil, nil)

	iniTokens, accTokens, err := handshake(ini, acc, testService)
	require.NoError(t, err)
	assert.Equal(1, iniTokens)
	assert.Equal(1, accTokens)

	assert.True(ini.Established())
	assert.True(acc.Established())
	assert.Equal(testFlags|sspi.FlagMutualAuth, ini.NegotiatedFlags())
	assert.Equal(testFlags|sspi.FlagMutualAuth, acc.NegotiatedFlags())

	user, err := acc.UserName()
	assert.NoError(err)
	assert.Equal(testUser+"@"+testRealm, user)

	authority, err := acc.Authority()
	assert.NoError(err)
	assert.Equal(testRealm, authority)

	user, err = ini.UserName()
	assert.NoError(err)
	assert.Equal(testUser+"@"+testRealm, user)
}

func TestHandshakeWithoutMutual(t *testing.T) {
	assert := assert.New(t)

	e := newTestEnv(t)
	ini, acc := e.pair(t, testFlags, nil, nil)

	out, err := ini.Initialize(testService, nil)
	require.NoError(t, err)
	assert.NotEmpty(out)
	assert.True(ini.Established())

	back, err := acc.Accept(out)
	require.NoError(t, err)
	assert.Empty(back)
	assert.True(acc.Established())

	assert.Zero(ini.NegotiatedFlags() & sspi.FlagMutualAuth)
	assert.Zero(acc.NegotiatedFlags() & sspi.FlagMutualAuth)
}

func TestHandshakeGrantsRequestedFlagsOnly(t *testing.T) {
	assert := assert.New(t)

	e := newTestEnv(t)
	ini, acc := establish(t, e, sspi.FlagIntegrity|sspi.FlagDelegate)

	assert.Equal(sspi.FlagIntegrity, ini.NegotiatedFlags())
	assert.Equal(sspi.FlagIntegrity, acc.NegotiatedFlags())

	_, err := ini.Encrypt([]byte("secret"))
	assert.Equal(sspi.StatusQoPNotSupported, sspi.StatusOf(err))
}

func TestProtectMessages(t *testing.T) {
	for name, flags := range map[string]sspi.ContextFlag{
		"mutual":     testFlags | sspi.FlagMutualAuth,
		"not mutual": testFlags,
	} {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			e := newTestEnv(t)
			ini, acc := establish(t, e, flags)

			for i, msg := range [][]byte{[]byte("hello"), {}, make([]byte, 1000)} {
				sealed, err := ini.Encrypt(msg)
				require.NoError(t, err, "message %d", i)
				opened, err := acc.Decrypt(sealed, len(msg))
				require.NoError(t, err, "message %d", i)
				assert.Equal(msg, opened, "message %d", i)

				sealed, err = acc.Encrypt(msg)
				require.NoError(t, err, "reply %d", i)
				opened, err = ini.Decrypt(sealed, len(msg))
				require.NoError(t, err, "reply %d", i)
				assert.Equal(msg, opened, "reply %d", i)
			}

			signed, err := ini.Sign([]byte("signed"))
			require.NoError(t, err)
			got, err := acc.Verify(signed)
			assert.NoError(err)
			assert.Equal([]byte("signed"), got)

			signed, err = acc.Sign([]byte("reply"))
			require.NoError(t, err)
			got, err = ini.Verify(signed)
			assert.NoError(err)
			assert.Equal([]byte("reply"), got)
		})
	}
}

func TestProtectCiphertextHidesMessage(t *testing.T) {
	e := newTestEnv(t)
	ini, _ := establish(t, e, testFlags|sspi.FlagMutualAuth)

	msg := []byte("a very recognisable plaintext")
	sealed, err := ini.Encrypt(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(msg))
}

func TestVerifyTampered(t *testing.T) {
	assert := assert.New(t)

	e := newTestEnv(t)
	ini, acc := establish(t, e, testFlags|sspi.FlagMutualAuth)

	signed, err := ini.Sign([]byte("pay alice 10"))
	require.NoError(t, err)
	signed[len(signed)-1] ^= 0x01

	got, err := acc.Verify(signed)
	assert.NoError(err)
	assert.Nil(got)
}

func TestDecryptTampered(t *testing.T) {
	e := newTestEnv(t)
	ini, acc := establish(t, e, testFlags|sspi.FlagMutualAuth)

	sealed, err := ini.Encrypt([]byte("pay alice 10"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = acc.Decrypt(sealed, 12)
	assert.Equal(t, sspi.StatusMessageAltered, sspi.StatusOf(err))
}

func TestDecryptShortMessage(t *testing.T) {
	e := newTestEnv(t)
	ini, acc := establish(t, e, testFlags|sspi.FlagMutualAuth)

	sealed, err := ini.Encrypt([]byte("hello"))
	require.NoError(t, err)

	_, err = acc.Decrypt(sealed[:10], 5)
	assert.Equal(t, sspi.StatusIncompleteMessage, sspi.StatusOf(err))
}

func TestReplayDetected(t *testing.T) {
	assert := assert.New(t)

	e := newTestEnv(t)
	ini, acc := establish(t, e, testFlags|sspi.FlagMutualAuth)

	sealed, err := ini.Encrypt([]byte("once"))
	require.NoError(t, err)
	_, err = acc.Decrypt(sealed, 4)
	require.NoError(t, err)

	_, err = acc.Decrypt(sealed, 4)
	assert.Equal(sspi.StatusOutOfSequence, sspi.StatusOf(err))

	first, err := ini.Sign([]byte("first"))
	require.NoError(t, err)
	second, err := ini.Sign([]byte("second"))
	require.NoError(t, err)

	got, err := acc.Verify(second)
	assert.NoError(err)
	assert.Nil(got)

	got, err = acc.Verify(first)
	assert.NoError(err)
	assert.Equal([]byte("first"), got)
}

func TestOutOfOrderAllowedWithoutSequencing(t *testing.T) {
	e := newTestEnv(t)
	ini, acc := establish(t, e, sspi.FlagConfidentiality|sspi.FlagIntegrity|sspi.FlagMutualAuth)

	first, err := ini.Encrypt([]byte("first"))
	require.NoError(t, err)
	second, err := ini.Encrypt([]byte("second"))
	require.NoError(t, err)

	got, err := acc.Decrypt(second, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
	got, err = acc.Decrypt(first, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestMessagesDoNotReflect(t *testing.T) {
	e := newTestEnv(t)
	ini, _ := establish(t, e, testFlags|sspi.FlagMutualAuth)

	sealed, err := ini.Encrypt([]byte("hello"))
	require.NoError(t, err)

	_, err = ini.Decrypt(sealed, 5)
	assert.Equal(t, sspi.StatusMessageAltered, sspi.StatusOf(err))
}

func TestAcceptorISN(t *testing.T) {
	for name, isn := range map[string]AcceptorISN{
		"initiator": AcceptorISNInitiator,
		"zero":      AcceptorISNZero,
	} {
		t.Run(name, func(t *testing.T) {
			e := newTestEnv(t, WithAcceptorISN(isn))
			ini, acc := establish(t, e, testFlags)

			for _, msg := range []string{"one", "two"} {
				sealed, err := acc.Encrypt([]byte(msg))
				require.NoError(t, err)
				got, err := ini.Decrypt(sealed, len(msg))
				require.NoError(t, err)
				assert.Equal(t, []byte(msg), got)
			}
		})
	}
}

func TestHandshakeFailures(t *testing.T) {
	t.Run("unknown target", func(t *testing.T) {
		e := newTestEnv(t)
		ini, acc := e.pair(t, testFlags, nil, nil)

		_, _, err := handshake(ini, acc, "HTTP/nowhere.example.com")
		assert.Equal(t, sspi.StatusTargetUnknown, sspi.StatusOf(err))
	})

	t.Run("no target", func(t *testing.T) {
		e := newTestEnv(t)
		ini, acc := e.pair(t, testFlags, nil, nil)

		_, _, err := handshake(ini, acc, "")
		assert.Equal(t, sspi.StatusTargetUnknown, sspi.StatusOf(err))
	})

	t.Run("restricted service", func(t *testing.T) {
		e := newTestEnv(t)
		ini, err := sspi.NewInitiator(e.credential(t, sspi.CredentialOutbound, nil), testFlags)
		require.NoError(t, err)
		accCred := e.credential(t, sspi.CredentialInbound, &sspi.AuthIdentity{User: "HTTP/other.example.com", Domain: testRealm})
		acc, err := sspi.NewAcceptor(accCred, testFlags)
		require.NoError(t, err)

		_, _, err = handshake(ini, acc, testService)
		assert.Equal(t, sspi.StatusTargetUnknown, sspi.StatusOf(err))
	})

	t.Run("wrong service key", func(t *testing.T) {
		e := newTestEnv(t)
		ini, err := sspi.NewInitiator(e.credential(t, sspi.CredentialOutbound, nil), testFlags)
		require.NoError(t, err)

		other := newTestEnv(t, WithKeytab(newTestKeytab(t, "not-the-password")))
		acc, err := sspi.NewAcceptor(other.credential(t, sspi.CredentialInbound, nil), testFlags)
		require.NoError(t, err)

		_, _, err = handshake(ini, acc, testService)
		assert.Equal(t, sspi.StatusLogonDenied, sspi.StatusOf(err))
		assert.False(t, acc.Established())
	})

	t.Run("expired ticket", func(t *testing.T) {
		e := newTestEnv(t)
		e.kdc.start = time.Now().UTC().Add(-2 * time.Hour)
		ini, acc := e.pair(t, testFlags, nil, nil)

		_, _, err := handshake(ini, acc, testService)
		assert.Equal(t, sspi.StatusContextExpired, sspi.StatusOf(err))
	})

	t.Run("channel binding", func(t *testing.T) {
		e := newTestEnv(t)
		ini, acc := e.pair(t, testFlags,
			[]sspi.ContextOption{sspi.WithChannelBinding(&sspi.ChannelBinding{Data: []byte("tls-unique:a")})},
			[]sspi.ContextOption{sspi.WithChannelBinding(&sspi.ChannelBinding{Data: []byte("tls-unique:b")})})

		_, _, err := handshake(ini, acc, testService)
		assert.Equal(t, sspi.StatusBadBindings, sspi.StatusOf(err))
	})

	t.Run("garbage token", func(t *testing.T) {
		e := newTestEnv(t)
		_, acc := e.pair(t, testFlags, nil, nil)

		_, err := acc.Accept([]byte{0x60, 0x01, 0x00})
		assert.Equal(t, sspi.StatusInvalidToken, sspi.StatusOf(err))
	})
}

func TestChannelBindingMatch(t *testing.T) {
	e := newTestEnv(t)
	cb := &sspi.ChannelBinding{Data: []byte("tls-server-end-point:abc")}
	ini, acc := e.pair(t, testFlags|sspi.FlagMutualAuth,
		[]sspi.ContextOption{sspi.WithChannelBinding(cb)},
		[]sspi.ContextOption{sspi.WithChannelBinding(cb)})

	_, _, err := handshake(ini, acc, testService)
	require.NoError(t, err)
	assert.True(t, acc.Established())
}

func TestRestrictedServiceAccepts(t *testing.T) {
	e := newTestEnv(t)
	ini, err := sspi.NewInitiator(e.credential(t, sspi.CredentialOutbound, nil), testFlags)
	require.NoError(t, err)
	accCred := e.credential(t, sspi.CredentialInbound, &sspi.AuthIdentity{User: testService, Domain: testRealm})
	acc, err := sspi.NewAcceptor(accCred, testFlags)
	require.NoError(t, err)

	_, _, err = handshake(ini, acc, testService)
	require.NoError(t, err)

	name, err := accCred.PrincipalName()
	assert.NoError(t, err)
	assert.Equal(t, testService+"@"+testRealm, name)
}

func TestSizes(t *testing.T) {
	assert := assert.New(t)

	e := newTestEnv(t)
	ini, _ := establish(t, e, testFlags|sspi.FlagMutualAuth)

	sizes, err := ini.Sizes()
	require.NoError(t, err)
	assert.EqualValues(maxToken, sizes.MaxToken)
	assert.EqualValues(28, sizes.MaxSignature)
	assert.EqualValues(0, sizes.BlockSize)
	assert.EqualValues(60, sizes.SecurityTrailer)

	sealed, err := ini.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.Len(sealed, 5+int(sizes.SecurityTrailer))
}

func TestReleasedContext(t *testing.T) {
	e := newTestEnv(t)
	ini, _ := establish(t, e, testFlags|sspi.FlagMutualAuth)

	require.NoError(t, ini.Release())
	_, err := ini.Encrypt([]byte("late"))
	assert.Equal(t, sspi.StatusInvalidHandle, sspi.StatusOf(err))
}

func TestAcquireCredentialsMissing(t *testing.T) {
	t.Run("no credentials cache", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "FILE:/nonexistent/krb5cc")
		catalog := sspi.NewCatalog(sspi.WithProviders(New(WithConfig(config.New()))))

		err := sspi.NewCredential(catalog, Name, sspi.CredentialOutbound).Acquire()
		assert.Equal(t, sspi.StatusNoCredentials, sspi.StatusOf(err))
	})

	t.Run("no keytab", func(t *testing.T) {
		catalog := sspi.NewCatalog(sspi.WithProviders(New(WithKeytabFile("/nonexistent/krb5.keytab"))))

		err := sspi.NewCredential(catalog, Name, sspi.CredentialInbound).Acquire()
		assert.Equal(t, sspi.StatusNoCredentials, sspi.StatusOf(err))
	})

	t.Run("no krb5.conf", func(t *testing.T) {
		catalog := sspi.NewCatalog(sspi.WithProviders(New(WithConfigFile("/nonexistent/krb5.conf"))))

		err := sspi.NewCredential(catalog, Name, sspi.CredentialOutbound).
			AcquireWithIdentity(sspi.AuthIdentity{User: testUser, Domain: testRealm, Password: "x"})
		assert.Equal(t, sspi.StatusNoAuthenticatingAuthority, sspi.StatusOf(err))
	})
}

func TestEnvironmentDefaults(t *testing.T) {
	t.Setenv("KRB5_CONFIG", "/tmp/test-krb5.conf")
	t.Setenv("KRB5CCNAME", "FILE:/tmp/test-ccache")
	t.Setenv("KRB5_KTNAME", "FILE:/tmp/test.keytab")

	p := New()
	assert.Equal(t, "/tmp/test-krb5.conf", p.cfgFile)
	assert.Equal(t, "/tmp/test-ccache", p.ccFile)
	assert.Equal(t, "/tmp/test.keytab", p.ktFile)
}

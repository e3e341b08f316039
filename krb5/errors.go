// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"errors"
	"strings"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/krberror"
	"github.com/jcmturner/gokrb5/v8/messages"

	"github.com/golang-auth/go-sspi"
)

// krbErrorStatus maps a Kerberos protocol error code to a status.
func krbErrorStatus(code int32) sspi.Status {
	switch code {
	case errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, errorcode.KDC_ERR_CLIENT_REVOKED:
		return sspi.StatusUnknownCredentials
	case errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, errorcode.KRB_AP_ERR_NOT_US, errorcode.KRB_AP_ERR_NOKEY:
		return sspi.StatusTargetUnknown
	case errorcode.KRB_AP_ERR_TKT_EXPIRED, errorcode.KRB_AP_ERR_TKT_NYV:
		return sspi.StatusContextExpired
	case errorcode.KRB_AP_ERR_MSG_TYPE, errorcode.KRB_AP_ERR_BADVERSION:
		return sspi.StatusInvalidToken
	case errorcode.KRB_AP_ERR_REPEAT:
		return sspi.StatusOutOfSequence
	}

	return sspi.StatusLogonDenied
}

// kerberosError converts an error from gokrb5 into a status error.  fallback
// is used for errors that carry no Kerberos error code.
func kerberosError(err error, fallback sspi.Status, format string, args ...any) error {
	status := fallback

	var krbErr messages.KRBError
	var libErr krberror.Krberror
	switch {
	case errors.As(err, &krbErr):
		status = krbErrorStatus(krbErr.ErrorCode)
	case errors.As(err, &libErr):
		switch libErr.RootCause {
		case krberror.NetworkingError:
			status = sspi.StatusNoAuthenticatingAuthority
		case krberror.KDCError:
			status = kdcErrorStatus(libErr, fallback)
		}
	}

	return sspi.Errorf(status, format+": %w", append(args, err)...)
}

// kdcErrorStatus digs the KRB-ERROR code out of a KDC_Error.  gokrb5 keeps
// only its text, e.g. "KDC_ERR_C_PRINCIPAL_UNKNOWN Client not found".
func kdcErrorStatus(e krberror.Krberror, fallback sspi.Status) sspi.Status {
	text := strings.Join(e.EText, " ")
	for name, code := range map[string]int32{
		"KDC_ERR_C_PRINCIPAL_UNKNOWN": errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN,
		"KDC_ERR_S_PRINCIPAL_UNKNOWN": errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN,
		"KDC_ERR_PREAUTH_FAILED":      errorcode.KDC_ERR_PREAUTH_FAILED,
		"KDC_ERR_CLIENT_REVOKED":      errorcode.KDC_ERR_CLIENT_REVOKED,
		"KRB_AP_ERR_TKT_EXPIRED":      errorcode.KRB_AP_ERR_TKT_EXPIRED,
	} {
		if strings.Contains(text, name) {
			return krbErrorStatus(code)
		}
	}

	return fallback
}

func loginError(principal string, err error) error {
	return kerberosError(err, sspi.StatusLogonDenied, "logging on as %s", principal)
}

func ticketError(spn string, err error) error {
	return kerberosError(err, sspi.StatusTargetUnknown, "getting a service ticket for %s", spn)
}

// newKRBError builds the KRB-ERROR an acceptor reports for a rejected
// AP-REQ.
func newKRBError(apreq *messages.APReq, code int32, text string) messages.KRBError {
	return messages.NewKRBError(apreq.Ticket.SName, apreq.Ticket.Realm, code, text)
}

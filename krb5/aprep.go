// SPDX-License-Identifier: Apache-2.0

package krb5

/*
 * Derived from github.com/jcmturner/gokrb5/v8/messages/APRep.go
 *
 * The modified version adds marshalling, which the acceptor needs to answer
 * a mutual authentication request.
 */

import (
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/krberror"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// aPRep is KRB_AP_REP, RFC 4120 § 5.5.2
type aPRep struct {
	PVNO    int                 `asn1:"explicit,tag:0"`
	MsgType int                 `asn1:"explicit,tag:1"`
	EncPart types.EncryptedData `asn1:"explicit,tag:2"`
}

type encAPRepPart struct {
	CTime          time.Time           `asn1:"generalized,explicit,tag:0"`
	Cusec          int                 `asn1:"explicit,tag:1"`
	Subkey         types.EncryptionKey `asn1:"optional,explicit,tag:2"`
	SequenceNumber int64               `asn1:"optional,explicit,tag:3"`
}

func (a *aPRep) unmarshal(b []byte) error {
	if _, err := asn1.UnmarshalWithParams(b, a, "application,explicit,tag:15"); err != nil {
		return unmarshalReplyError(b, err)
	}
	if a.MsgType != msgtype.KRB_AP_REP {
		return krberror.NewErrorf(krberror.KRBMsgError, "message type %d is not KRB_AP_REP", a.MsgType)
	}
	return nil
}

func (a *aPRep) marshal() ([]byte, error) {
	b, err := asn1.Marshal(*a)
	if err != nil {
		return nil, err
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.APREP), nil
}

func (a *aPRep) decryptEncPart(sessionKey types.EncryptionKey) (encAPRepPart, error) {
	var part encAPRepPart

	decrypted, err := crypto.DecryptEncPart(a.EncPart, sessionKey, uint32(keyusage.AP_REP_ENCPART))
	if err != nil {
		return part, krberror.Errorf(err, krberror.DecryptingError, "decrypting AP-REP enc-part")
	}
	if err := part.unmarshal(decrypted); err != nil {
		return part, krberror.Errorf(err, krberror.EncodingError, "unmarshalling decrypted AP-REP enc-part")
	}

	return part, nil
}

func (a *encAPRepPart) unmarshal(b []byte) error {
	if _, err := asn1.UnmarshalWithParams(b, a, "application,explicit,tag:27"); err != nil {
		return krberror.Errorf(err, krberror.EncodingError, "AP-REP enc-part")
	}
	return nil
}

func (a *encAPRepPart) marshal() ([]byte, error) {
	b, err := asn1.Marshal(*a)
	if err != nil {
		return nil, err
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.EncAPRepPart), nil
}

func newAPRep(tkt messages.Ticket, sessionKey types.EncryptionKey, part encAPRepPart) (aPRep, error) {
	m, err := part.marshal()
	if err != nil {
		return aPRep{}, krberror.Errorf(err, krberror.EncodingError, "marshalling AP-REP enc-part")
	}

	ed, err := crypto.GetEncryptedData(m, sessionKey, uint32(keyusage.AP_REP_ENCPART), tkt.EncPart.KVNO)
	if err != nil {
		return aPRep{}, krberror.Errorf(err, krberror.EncryptingError, "encrypting AP-REP enc-part")
	}

	return aPRep{
		PVNO:    iana.PVNO,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: ed,
	}, nil
}

// unmarshalReplyError returns the KRB-ERROR a peer sent in place of the
// expected reply, if that is what b holds.
func unmarshalReplyError(b []byte, err error) error {
	if _, ok := err.(asn1.StructuralError); ok {
		var krbErr messages.KRBError
		if krbErr.Unmarshal(b) == nil {
			return krbErr
		}
	}

	return krberror.Errorf(err, krberror.EncodingError, "failed to unmarshal message")
}

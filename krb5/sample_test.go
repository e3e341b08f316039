// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"encoding/binary"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/test/testdata"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Sample values from MIT Kerberos 1.19.1, src/tests/asn.1/ktest.h
const (
	sampleUsec          = 123456
	sampleSeqNumber     = 17
	sampleFlags         = 0xFEDCBA98
	sampleError         = 0x3C
	samplePrincipalName = "hftsai/extra@ATHENA.MIT.EDU"
	sampleData          = "krb5data"
)

func sampleTime() time.Time {
	tm, _ := time.Parse(testdata.TEST_TIME_FORMAT, testdata.TEST_TIME)
	return tm
}

func ktestMakeSampleApRepEncPart() encAPRepPart {
	return encAPRepPart{
		CTime:          sampleTime(),
		Cusec:          sampleUsec,
		Subkey:         ktestMakeSampleKeyblock(),
		SequenceNumber: sampleSeqNumber,
	}
}

func ktestMakeSampleKeyblock() types.EncryptionKey {
	return types.EncryptionKey{
		KeyType:  1,
		KeyValue: []byte("12345678"),
	}
}

func ktestMakeSampleEncData() types.EncryptedData {
	return types.EncryptedData{
		EType:  0,
		KVNO:   5,
		Cipher: []byte(testdata.TEST_CIPHERTEXT),
	}
}

func ktestMakeSampleTicket() messages.Ticket {
	pn, realm := types.ParseSPNString(samplePrincipalName)
	return messages.Ticket{
		TktVNO:  5,
		Realm:   realm,
		SName:   pn,
		EncPart: ktestMakeSampleEncData(),
	}
}

func ktestMakeSampleApReq() messages.APReq {
	apreq := messages.APReq{
		PVNO:                   5,
		MsgType:                msgtype.KRB_AP_REQ,
		APOptions:              types.NewKrbFlags(),
		Ticket:                 ktestMakeSampleTicket(),
		EncryptedAuthenticator: ktestMakeSampleEncData(),
	}

	binary.BigEndian.PutUint32(apreq.APOptions.Bytes[0:], sampleFlags)
	return apreq
}

func ktestMakeSampleApRep() aPRep {
	return aPRep{
		PVNO:    5,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: ktestMakeSampleEncData(),
	}
}

func ktestMakeSampleError() messages.KRBError {
	pn, realm := types.ParseSPNString(samplePrincipalName)
	return messages.KRBError{
		PVNO:      5,
		MsgType:   msgtype.KRB_ERROR,
		CTime:     sampleTime(),
		Cusec:     sampleUsec,
		STime:     sampleTime(),
		Susec:     sampleUsec,
		ErrorCode: sampleError,
		CRealm:    realm,
		CName:     pn,
		Realm:     realm,
		SName:     pn,
		EText:     sampleData,
		EData:     []byte(sampleData),
	}
}

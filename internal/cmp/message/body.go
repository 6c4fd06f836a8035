package message

import (
	"encoding/asn1"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// wrapBody marshals payload and wraps it as the explicitly tagged CHOICE
// alternative identified by t.
func wrapBody(t BodyType, payload interface{}) (asn1.RawValue, error) {
	var inner []byte
	var err error
	if raw, ok := payload.([]byte); ok {
		// p10cr: the payload is already a DER CertificationRequest, used
		// verbatim as the tag's content per RFC 4210 section 5.3.1.
		inner = raw
	} else {
		inner, err = asn1.Marshal(payload)
		if err != nil {
			return asn1.RawValue{}, serrors.WrapStr("marshaling body payload", err)
		}
	}
	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        int(t),
		IsCompound: true,
		Bytes:      inner,
	}, nil
}

func encodeBody(b PKIBody) (asn1.RawValue, error) {
	switch b.Type {
	case BodyIR, BodyCR, BodyKUR:
		return wrapBody(b.Type, *b.CertReqMessages)
	case BodyIP, BodyCP, BodyKUP:
		return wrapBody(b.Type, *b.CertRepMessage)
	case BodyRR:
		return wrapBody(b.Type, *b.RevReqContent)
	case BodyRP:
		return wrapBody(b.Type, *b.RevRepContent)
	case BodyP10CR:
		return wrapBody(b.Type, b.P10CR)
	case BodyPollReq:
		return wrapBody(b.Type, *b.PollReq)
	case BodyPollRep:
		return wrapBody(b.Type, *b.PollRep)
	case BodyGenM:
		return wrapBody(b.Type, *b.GenMsgContent)
	case BodyGenP:
		return wrapBody(b.Type, *b.GenRepContent)
	case BodyCertConf:
		return wrapBody(b.Type, b.PKIMessages.CertStatuses)
	case BodyPKIConf:
		return wrapBody(b.Type, asn1.NullRawValue)
	case BodyError:
		return wrapBody(b.Type, *b.ErrorMsg)
	default:
		return asn1.RawValue{}, serrors.New("unknown PKIBody type", "type", int(b.Type))
	}
}

func decodeBody(raw asn1.RawValue) (PKIBody, error) {
	if raw.Class != asn1.ClassContextSpecific {
		return PKIBody{}, serrors.New("malformed PKIBody tag", "class", raw.Class)
	}
	t := BodyType(raw.Tag)
	body := PKIBody{Type: t, Raw: raw}

	unmarshalInto := func(v interface{}) error {
		_, err := asn1.Unmarshal(raw.Bytes, v)
		if err != nil {
			return serrors.WrapStr("unmarshaling body payload", err)
		}
		return nil
	}

	switch t {
	case BodyIR, BodyCR, BodyKUR:
		var v CertReqMessages
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.CertReqMessages = &v
	case BodyIP, BodyCP, BodyKUP:
		var v CertRepMessage
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.CertRepMessage = &v
	case BodyRR:
		var v RevReqContent
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.RevReqContent = &v
	case BodyRP:
		var v RevRepContent
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.RevRepContent = &v
	case BodyP10CR:
		body.P10CR = raw.Bytes
	case BodyPollReq:
		var v PollReqContent
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.PollReq = &v
	case BodyPollRep:
		var v PollRepContent
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.PollRep = &v
	case BodyGenM:
		var v GenMsgContent
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.GenMsgContent = &v
	case BodyGenP:
		var v GenRepContent
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.GenRepContent = &v
	case BodyCertConf:
		var v []CertStatus
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.PKIMessages = &PKIConfOrCertConf{CertStatuses: v}
	case BodyPKIConf:
		body.PKIMessages = &PKIConfOrCertConf{IsPKIConf: true}
	case BodyError:
		var v ErrorMsgContent
		if err := unmarshalInto(&v); err != nil {
			return PKIBody{}, err
		}
		body.ErrorMsg = &v
	default:
		return PKIBody{}, serrors.New("unknown PKIBody type", "type", int(t))
	}
	return body, nil
}

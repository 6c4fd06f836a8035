package message

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// rawPKIMessage is the outer ASN.1 SEQUENCE. Header and Body are encoded and
// decoded by hand (see encodeHeader/decodeHeader, encodeBody/decodeBody)
// because PKIHeader's GeneralName fields and PKIBody's CHOICE tag need logic
// asn1 struct tags alone cannot express; the outer envelope itself, and the
// protection/extraCerts tail, are plain enough for struct tags.
type rawPKIMessage struct {
	Header     asn1.RawValue
	Body       asn1.RawValue
	Protection asn1.BitString   `asn1:"explicit,tag:0,optional"`
	ExtraCerts []asn1.RawValue  `asn1:"explicit,tag:1,optional"`
}

// rawHeaderFields mirrors PKIHeader field-for-field as raw, optional,
// explicitly tagged values, matching RFC 4210 section 5.1.1.
type rawHeaderFields struct {
	PVNO          int
	Sender        asn1.RawValue
	Recipient     asn1.RawValue
	MessageTime   time.Time             `asn1:"optional,explicit,tag:0,generalized"`
	ProtectionAlg pkix.AlgorithmIdentifier `asn1:"optional,explicit,tag:1"`
	SenderKID     []byte                `asn1:"optional,explicit,tag:2"`
	RecipKID      []byte                `asn1:"optional,explicit,tag:3"`
	TransactionID []byte                `asn1:"optional,explicit,tag:4"`
	SenderNonce   []byte                `asn1:"optional,explicit,tag:5"`
	RecipNonce    []byte                `asn1:"optional,explicit,tag:6"`
	FreeText      []string              `asn1:"optional,explicit,tag:7"`
	GeneralInfo   []ITAV                `asn1:"optional,explicit,tag:8"`
}

const generalNameDirectoryNameTag = 4

// marshalDirectoryName marshals a pkix.Name as the directoryName alternative ([4]
// EXPLICIT Name) of the GeneralName CHOICE.
func marshalDirectoryName(name pkix.Name) (asn1.RawValue, error) {
	rdn := name.ToRDNSequence()
	inner, err := asn1.Marshal(rdn)
	if err != nil {
		return asn1.RawValue{}, serrors.WrapStr("marshaling directory name", err)
	}
	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        generalNameDirectoryNameTag,
		IsCompound: true,
		Bytes:      inner,
	}, nil
}

func unmarshalDirectoryName(raw asn1.RawValue) (pkix.Name, error) {
	if raw.Class != asn1.ClassContextSpecific || raw.Tag != generalNameDirectoryNameTag {
		return pkix.Name{}, serrors.New("unsupported GeneralName form",
			"class", raw.Class, "tag", raw.Tag)
	}
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(raw.Bytes, &rdn); err != nil {
		return pkix.Name{}, serrors.WrapStr("parsing directory name", err)
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name, nil
}

func encodeHeader(h PKIHeader) (asn1.RawValue, error) {
	sender, err := marshalDirectoryName(h.Sender)
	if err != nil {
		return asn1.RawValue{}, serrors.WrapStr("encoding sender", err)
	}
	recipient, err := marshalDirectoryName(h.Recipient)
	if err != nil {
		return asn1.RawValue{}, serrors.WrapStr("encoding recipient", err)
	}

	fields := rawHeaderFields{
		PVNO:          2, // cmp2000
		Sender:        sender,
		Recipient:     recipient,
		SenderKID:     h.SenderKID,
		RecipKID:      h.RecipKID,
		TransactionID: h.TransactionID,
		SenderNonce:   h.SenderNonce,
		RecipNonce:    h.RecipNonce,
		FreeText:      []string(h.FreeText),
		GeneralInfo:   h.GeneralInfo,
	}
	if !h.MessageTime.IsZero() {
		fields.MessageTime = h.MessageTime.UTC()
	}
	if h.ProtectionAlg != nil {
		fields.ProtectionAlg = *h.ProtectionAlg
	}

	raw, err := asn1.Marshal(fields)
	if err != nil {
		return asn1.RawValue{}, serrors.WrapStr("encoding header", err)
	}
	return asn1.RawValue{FullBytes: raw}, nil
}

func decodeHeader(raw asn1.RawValue) (PKIHeader, error) {
	var fields rawHeaderFields
	if _, err := asn1.Unmarshal(raw.FullBytes, &fields); err != nil {
		return PKIHeader{}, serrors.WrapStr("decoding header", err)
	}
	sender, err := unmarshalDirectoryName(fields.Sender)
	if err != nil {
		return PKIHeader{}, serrors.WrapStr("decoding sender", err)
	}
	recipient, err := unmarshalDirectoryName(fields.Recipient)
	if err != nil {
		return PKIHeader{}, serrors.WrapStr("decoding recipient", err)
	}
	h := PKIHeader{
		PVNO:          fields.PVNO,
		Sender:        sender,
		Recipient:     recipient,
		MessageTime:   fields.MessageTime,
		SenderKID:     fields.SenderKID,
		RecipKID:      fields.RecipKID,
		TransactionID: fields.TransactionID,
		SenderNonce:   fields.SenderNonce,
		RecipNonce:    fields.RecipNonce,
		FreeText:      PKIFreeText(fields.FreeText),
		GeneralInfo:   fields.GeneralInfo,
	}
	if fields.ProtectionAlg.Algorithm != nil {
		alg := fields.ProtectionAlg
		h.ProtectionAlg = &alg
	}
	return h, nil
}

// Encode renders msg as a DER-encoded PKIMessage.
func Encode(msg *PKIMessage) ([]byte, error) {
	header, err := encodeHeader(msg.Header)
	if err != nil {
		return nil, err
	}
	body, err := encodeBody(msg.Body)
	if err != nil {
		return nil, serrors.WrapStr("encoding body", err)
	}

	raw := rawPKIMessage{
		Header: header,
		Body:   body,
	}
	if msg.HasProtection {
		raw.Protection = msg.Protection
	}
	for _, cert := range msg.ExtraCerts {
		raw.ExtraCerts = append(raw.ExtraCerts, asn1.RawValue{FullBytes: cert})
	}

	out, err := asn1.Marshal(raw)
	if err != nil {
		return nil, serrors.WrapStr("encoding PKIMessage", err)
	}
	return out, nil
}

// ErrMalformedMessage is returned by Decode when the input is not a
// well-formed PKIMessage (bad DER, unsupported GeneralName, unknown body tag).
var ErrMalformedMessage = serrors.New("malformed CMP message")

// Decode parses a DER-encoded PKIMessage.
func Decode(der []byte) (*PKIMessage, error) {
	var raw rawPKIMessage
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return nil, serrors.Wrap("malformed CMP message", ErrMalformedMessage, "cause", err.Error())
	}
	if len(rest) != 0 {
		// Trailing bytes after the PKIMessage are not an error; they are
		// discarded without being reported.
		_ = rest
	}

	header, err := decodeHeader(raw.Header)
	if err != nil {
		return nil, serrors.Wrap("malformed CMP message", ErrMalformedMessage, "cause", err.Error())
	}
	body, err := decodeBody(raw.Body)
	if err != nil {
		return nil, serrors.Wrap("malformed CMP message", ErrMalformedMessage, "cause", err.Error())
	}

	msg := &PKIMessage{
		Header:        header,
		Body:          body,
		Protection:    raw.Protection,
		HasProtection: raw.Protection.BitLength > 0,
	}
	for _, c := range raw.ExtraCerts {
		msg.ExtraCerts = append(msg.ExtraCerts, c.FullBytes)
	}
	return msg, nil
}

// ProtectedBytes returns the DER encoding of header||body, the portion that
// protection algorithms sign or MAC. Per RFC 4210 section 5.1.3 this is the
// DER encoding of ProtectedPart ::= SEQUENCE { header, body }.
func ProtectedBytes(msg *PKIMessage) ([]byte, error) {
	header, err := encodeHeader(msg.Header)
	if err != nil {
		return nil, err
	}
	body, err := encodeBody(msg.Body)
	if err != nil {
		return nil, err
	}
	type protectedPart struct {
		Header asn1.RawValue
		Body   asn1.RawValue
	}
	out, err := asn1.Marshal(protectedPart{Header: header, Body: body})
	if err != nil {
		return nil, serrors.WrapStr("encoding protected part", err)
	}
	return out, nil
}

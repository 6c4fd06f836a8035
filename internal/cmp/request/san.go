package request

import (
	"encoding/asn1"
	"net"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

const (
	generalNameDNSTag = 2
	generalNameIPTag  = 7
)

// marshalSAN renders dnsNames/ipAddresses as the DER value of an X.509
// subjectAltName extension (a SEQUENCE of GeneralName).
func marshalSAN(dnsNames, ipAddresses []string) ([]byte, error) {
	var rawValues []asn1.RawValue
	for _, name := range dnsNames {
		rawValues = append(rawValues, asn1.RawValue{
			Class: asn1.ClassContextSpecific,
			Tag:   generalNameDNSTag,
			Bytes: []byte(name),
		})
	}
	for _, ipStr := range ipAddresses {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, serrors.New("invalid IP address in SAN", "value", ipStr)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		rawValues = append(rawValues, asn1.RawValue{
			Class: asn1.ClassContextSpecific,
			Tag:   generalNameIPTag,
			Bytes: ip,
		})
	}
	der, err := asn1.Marshal(rawValues)
	if err != nil {
		return nil, serrors.WrapStr("encoding subjectAltName", err)
	}
	return der, nil
}

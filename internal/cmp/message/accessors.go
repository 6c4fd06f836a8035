package message

import "bytes"

// SameTransaction reports whether msg belongs to the transaction identified
// by txID.
func (m *PKIMessage) SameTransaction(txID []byte) bool {
	return bytes.Equal(m.Header.TransactionID, txID)
}

// RecipientNonceMatches reports whether msg's recipNonce echoes nonce, the
// senderNonce of the request it is meant to answer.
func (m *PKIMessage) RecipientNonceMatches(nonce []byte) bool {
	return bytes.Equal(m.Header.RecipNonce, nonce)
}

// IsUnprotected reports whether msg carries no protection bits.
func (m *PKIMessage) IsUnprotected() bool {
	return !m.HasProtection
}

// IsNegativeResponse reports whether msg is a genuinely negative or error
// outcome: an error body, or a cert/revocation response none of whose
// entries report accepted/grantedWithMods. Only these may legally be sent
// unprotected under the accept-unprotected-errors policy; a positive
// result delivered unprotected must never be accepted; that would let an
// attacker hand the client a forged "success" outside the protection this
// client otherwise requires.
func (m *PKIMessage) IsNegativeResponse() bool {
	switch m.Body.Type {
	case BodyError:
		return true
	case BodyIP, BodyCP, BodyKUP:
		if m.Body.CertRepMessage == nil || len(m.Body.CertRepMessage.Responses) == 0 {
			return true
		}
		for _, r := range m.Body.CertRepMessage.Responses {
			if isAccepted(r.Status.Status) {
				return false
			}
		}
		return true
	case BodyRP:
		if m.Body.RevRepContent == nil || len(m.Body.RevRepContent.Statuses) == 0 {
			return true
		}
		for _, s := range m.Body.RevRepContent.Statuses {
			if isAccepted(s.Status.Status) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// isAccepted reports whether status is PKIStatus accepted (0) or
// grantedWithMods (1), per RFC 4210 section 5.2.3.
func isAccepted(status int) bool {
	return status == 0 || status == 1
}

// Package mockca implements component K: an in-process CA/RA used by the
// mock transport and by tests, modeled on the retrieval pack's control
// service HTTP API (go/pkg/cs/api/api.go's Problem/Error/GetCa/GetSigner
// handlers) and its certificate-issuing policy
// (scrypto/cppki.CAPolicy.CreateChain).
package mockca

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ocsp"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/cmp/protection"
	"github.com/fbdlampayan/cmpossl/internal/cmp/request"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// Server is a minimal CMP responder: it issues, revokes and reports on
// certificates well enough to drive the client's protocol engine end to
// end, without implementing any real CA policy engine.
type Server struct {
	CACert *x509.Certificate
	CAKey  crypto.Signer

	// Secret, if set, is the PBMAC shared secret: PBMAC-protected requests
	// are verified with it and responses are protected with it. When empty,
	// PBMAC-protected requests are rejected and responses are signed with
	// CAKey.
	Secret []byte
	// ClientTrustStore, if set, is consulted when verifying
	// signature-protected requests.
	ClientTrustStore *x509.CertPool
	// GrantImplicitConfirm, if set, echoes id-it-implicitConfirm back on the
	// ip/cp/kup response header whenever the request carried it, letting the
	// client skip the certConf/pkiConf round trip.
	GrantImplicitConfirm bool

	mu         sync.RWMutex
	revoked    map[string]int
	nextSerial int64

	router chi.Router
}

// New builds a Server that signs issued certificates with caKey under
// caCert.
func New(caCert *x509.Certificate, caKey crypto.Signer) *Server {
	s := &Server{
		CACert:     caCert,
		CAKey:      caKey,
		revoked:    make(map[string]int),
		nextSerial: 1,
	}
	r := chi.NewRouter()
	r.Post("/pkix/", s.handlePKIX)
	r.Get("/status", s.handleStatus)
	r.Get("/crl", s.handleCRL)
	r.Post("/ocsp", s.handleOCSP)
	s.router = r
	return s
}

// ServeHTTP lets Server be mounted directly behind an httptest.Server for
// HTTP-transport integration tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SendReceive implements transport.Transport, driving requests into this
// server with no network I/O — the "mock" transport named in component G.
func (s *Server) SendReceive(ctx context.Context, req []byte, _ time.Duration) ([]byte, error) {
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/pkix/", bytes.NewReader(req)).WithContext(ctx)
	s.router.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusOK {
		return nil, serrors.New("mock CA returned non-200", "status", rec.Code)
	}
	return rec.Body.Bytes(), nil
}

// Revoke marks serial as revoked for future /crl responses and OCSP lookups
// performed against this server's revocation list.
func (s *Server) Revoke(serial *big.Int, reason int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[serial.String()] = reason
}

// IsRevoked reports whether serial has been revoked, and the reason code
// given at revocation time.
func (s *Server) IsRevoked(serial *big.Int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, ok := s.revoked[serial.String()]
	return reason, ok
}

func (s *Server) allocSerial() *big.Int {
	n := atomic.AddInt64(&s.nextSerial, 1)
	return big.NewInt(n)
}

func (s *Server) handlePKIX(w http.ResponseWriter, r *http.Request) {
	der, err := readAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	reqMsg, err := message.Decode(der)
	if err != nil {
		http.Error(w, "malformed CMP message", http.StatusBadRequest)
		return
	}

	if err := s.verifyRequest(reqMsg); err != nil {
		http.Error(w, "protection verification failed", http.StatusUnauthorized)
		return
	}

	respMsg, err := s.dispatch(reqMsg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.protectResponse(respMsg); err != nil {
		http.Error(w, "signing response failed", http.StatusInternalServerError)
		return
	}

	out, err := message.Encode(respMsg)
	if err != nil {
		http.Error(w, "encoding response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pkixcmp")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) verifyRequest(msg *message.PKIMessage) error {
	if msg.IsUnprotected() {
		return nil
	}
	ctx := cmpctx.New()
	ctx.Options.IgnoreKeyUsage = true
	ctx.TrustStore = s.ClientTrustStore
	if len(s.Secret) > 0 {
		ctx.Credentials.SecretValue = s.Secret
	}
	return protection.Verify(msg, ctx, nil)
}

func (s *Server) protectResponse(msg *message.PKIMessage) error {
	ctx := cmpctx.New()
	ctx.Credentials.Certificate = s.CACert
	ctx.Credentials.PrivateKey = s.CAKey
	// Apply prefers the shared secret, so a PBMAC client can verify the
	// reply without holding the CA certificate.
	if len(s.Secret) > 0 {
		ctx.Credentials.SecretValue = s.Secret
	}
	return protection.Apply(msg, ctx)
}

var oidImplicitConfirm = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 13}

func requestedImplicitConfirm(generalInfo []message.ITAV) bool {
	for _, itav := range generalInfo {
		if itav.InfoType.Equal(oidImplicitConfirm) {
			return true
		}
	}
	return false
}

func (s *Server) responseHeader(req *message.PKIMessage) (message.PKIHeader, error) {
	senderNonce, err := request.Nonce()
	if err != nil {
		return message.PKIHeader{}, err
	}
	h := message.PKIHeader{
		PVNO:          2,
		Sender:        s.CACert.Subject,
		Recipient:     req.Header.Sender,
		MessageTime:   time.Now(),
		SenderKID:     s.CACert.SubjectKeyId,
		TransactionID: req.Header.TransactionID,
		SenderNonce:   senderNonce,
		RecipNonce:    req.Header.SenderNonce,
	}
	if s.GrantImplicitConfirm && requestedImplicitConfirm(req.Header.GeneralInfo) {
		h.GeneralInfo = append(h.GeneralInfo, message.ITAV{InfoType: oidImplicitConfirm})
	}
	return h, nil
}

func (s *Server) dispatch(req *message.PKIMessage) (*message.PKIMessage, error) {
	switch req.Body.Type {
	case message.BodyIR:
		return s.handleCertReq(req, message.BodyIP, true)
	case message.BodyCR:
		return s.handleCertReq(req, message.BodyCP, false)
	case message.BodyKUR:
		return s.handleCertReq(req, message.BodyKUP, false)
	case message.BodyP10CR:
		return s.handleP10CR(req)
	case message.BodyRR:
		return s.handleRR(req)
	case message.BodyGenM:
		return s.handleGenM(req)
	case message.BodyCertConf:
		return s.handleCertConf(req)
	case message.BodyPollReq:
		// This server always answers cert requests synchronously, so a
		// conforming client never has a reason to send pollReq.
		return nil, serrors.New("mock CA received unexpected pollReq")
	default:
		return nil, serrors.New("mock CA received unsupported body type", "type", int(req.Body.Type))
	}
}

func (s *Server) handleCertReq(req *message.PKIMessage, replyType message.BodyType, includeCAPubs bool) (*message.PKIMessage, error) {
	if req.Body.CertReqMessages == nil || len(req.Body.CertReqMessages.Requests) == 0 {
		return nil, serrors.New("certificate request carries no CertReqMsg entries")
	}
	reqMsg := req.Body.CertReqMessages.Requests[0]
	tmpl := reqMsg.CertReq.Template

	pub, err := x509.ParsePKIXPublicKey(tmpl.PublicKeyDER)
	if err != nil {
		return nil, serrors.WrapStr("parsing request public key", err)
	}

	subject := tmpl.Subject
	if !tmpl.HasSubject {
		subject = req.Header.Sender
	}

	certDER, err := s.issue(subject, pub, tmpl.NotBefore, tmpl.NotAfter, tmpl.Extensions)
	if err != nil {
		return nil, err
	}

	header, err := s.responseHeader(req)
	if err != nil {
		return nil, err
	}

	rep := &message.CertRepMessage{
		Responses: []message.CertResponse{{
			CertReqID: reqMsg.CertReq.CertReqID,
			Status:    message.PKIStatusInfo{Status: 0},
			CertDER:   certDER,
		}},
	}
	if includeCAPubs {
		rep.CAPubs = [][]byte{s.CACert.Raw}
	}

	return &message.PKIMessage{
		Header: header,
		Body:   message.PKIBody{Type: replyType, CertRepMessage: rep},
	}, nil
}

func (s *Server) handleP10CR(req *message.PKIMessage) (*message.PKIMessage, error) {
	csr, err := x509.ParseCertificateRequest(req.Body.P10CR)
	if err != nil {
		return nil, serrors.WrapStr("parsing PKCS#10 request", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, serrors.WrapStr("invalid PKCS#10 signature", err)
	}

	certDER, err := s.issue(csr.Subject, csr.PublicKey, time.Time{}, time.Time{}, nil)
	if err != nil {
		return nil, err
	}

	header, err := s.responseHeader(req)
	if err != nil {
		return nil, err
	}

	return &message.PKIMessage{
		Header: header,
		Body: message.PKIBody{
			Type: message.BodyCP,
			CertRepMessage: &message.CertRepMessage{
				Responses: []message.CertResponse{{
					CertReqID: 0,
					Status:    message.PKIStatusInfo{Status: 0},
					CertDER:   certDER,
				}},
			},
		},
	}, nil
}

func (s *Server) handleRR(req *message.PKIMessage) (*message.PKIMessage, error) {
	if req.Body.RevReqContent == nil || len(req.Body.RevReqContent.Requests) == 0 {
		return nil, serrors.New("revocation request carries no RevDetails entries")
	}
	details := req.Body.RevReqContent.Requests[0]
	s.Revoke(details.SerialNumber, details.Reason)

	header, err := s.responseHeader(req)
	if err != nil {
		return nil, err
	}
	return &message.PKIMessage{
		Header: header,
		Body: message.PKIBody{
			Type: message.BodyRP,
			RevRepContent: &message.RevRepContent{
				Statuses: []message.RevStatus{{
					Status:       message.PKIStatusInfo{Status: 0},
					SerialNumber: details.SerialNumber,
				}},
			},
		},
	}, nil
}

func (s *Server) handleGenM(req *message.PKIMessage) (*message.PKIMessage, error) {
	header, err := s.responseHeader(req)
	if err != nil {
		return nil, err
	}
	var itavs []message.ITAV
	if req.Body.GenMsgContent != nil {
		itavs = req.Body.GenMsgContent.ITAVs
	}
	return &message.PKIMessage{
		Header: header,
		Body:   message.PKIBody{Type: message.BodyGenP, GenRepContent: &message.GenRepContent{ITAVs: itavs}},
	}, nil
}

func (s *Server) handleCertConf(req *message.PKIMessage) (*message.PKIMessage, error) {
	header, err := s.responseHeader(req)
	if err != nil {
		return nil, err
	}
	return &message.PKIMessage{
		Header: header,
		Body:   message.PKIBody{Type: message.BodyPKIConf, PKIMessages: &message.PKIConfOrCertConf{IsPKIConf: true}},
	}, nil
}

func (s *Server) issue(subject pkix.Name, pub crypto.PublicKey, notBefore, notAfter time.Time, extensions []pkix.Extension) ([]byte, error) {
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Minute)
	}
	if notAfter.IsZero() {
		notAfter = notBefore.AddDate(1, 0, 0)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          s.allocSerial(),
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtraExtensions:       extensions,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.CACert, pub, s.CAKey)
	if err != nil {
		return nil, serrors.WrapStr("issuing certificate", err)
	}
	return der, nil
}

// handleOCSP answers a DER-encoded OCSP request for this server's revocation
// list, used by the client's trust package (component C) to exercise the
// live-OCSP path of the revocation dispatcher against a real responder.
func (s *Server) handleOCSP(w http.ResponseWriter, r *http.Request) {
	raw, err := readAll(r.Body)
	if err != nil {
		http.Error(w, "reading OCSP request", http.StatusBadRequest)
		return
	}
	req, err := ocsp.ParseRequest(raw)
	if err != nil {
		http.Error(w, "malformed OCSP request", http.StatusBadRequest)
		return
	}

	status := ocsp.Good
	reasonCode, revoked := s.IsRevoked(req.SerialNumber)
	if revoked {
		status = ocsp.Revoked
	}

	now := time.Now()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: req.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(time.Hour),
	}
	if revoked {
		tmpl.RevokedAt = now
		tmpl.RevocationReason = reasonCode
	}

	der, err := ocsp.CreateResponse(s.CACert, s.CACert, tmpl, s.CAKey)
	if err != nil {
		http.Error(w, "signing OCSP response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(der)
}

// statusResponse is the diagnostic payload served at GET /status, modeled
// on the retrieval pack's GetCa/GetSigner JSON handlers.
type statusResponse struct {
	Subject      string `json:"subject"`
	SubjectKeyID string `json:"subject_key_id"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Subject:      s.CACert.Subject.String(),
		SubjectKeyID: hexEncode(s.CACert.SubjectKeyId),
		NotBefore:    s.CACert.NotBefore.Format(time.RFC3339),
		NotAfter:     s.CACert.NotAfter.Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCRL(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(int64(len(s.revoked)) + 1),
		ThisUpdate: now,
		NextUpdate: now.Add(24 * time.Hour),
	}
	for serialStr, reason := range s.revoked {
		serial := new(big.Int)
		serial.SetString(serialStr, 10)
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: now,
			ReasonCode:     reason,
		})
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, s.CACert, s.CAKey)
	if err != nil {
		http.Error(w, "generating CRL failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	_, _ = w.Write(der)
}

// Package transaction implements component D: the CMP transaction state
// machine. One Machine drives exactly one transaction to completion with a
// single blocking call per transition — no goroutines, no channels.
package transaction

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"time"

	"go.uber.org/zap"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/cmp/metrics"
	"github.com/fbdlampayan/cmpossl/internal/cmp/protection"
	"github.com/fbdlampayan/cmpossl/internal/cmp/request"
	"github.com/fbdlampayan/cmpossl/internal/cmp/response"
	"github.com/fbdlampayan/cmpossl/internal/cmp/trust"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// State names one point in the transaction lifecycle.
type State int

const (
	StateInitial State = iota
	StateSent
	StateAwaitingStatus
	StatePolling
	StateEvaluating
	StateConfirming
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateSent:
		return "sent"
	case StateAwaitingStatus:
		return "awaiting_status"
	case StatePolling:
		return "polling"
	case StateEvaluating:
		return "evaluating"
	case StateConfirming:
		return "confirming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Command selects which request the machine builds in StateInitial.
type Command int

const (
	CommandIR Command = iota
	CommandCR
	CommandKUR
	CommandP10CR
	CommandRR
	CommandGenM
)

func (c Command) String() string {
	switch c {
	case CommandIR:
		return "ir"
	case CommandCR:
		return "cr"
	case CommandKUR:
		return "kur"
	case CommandP10CR:
		return "p10cr"
	case CommandRR:
		return "rr"
	case CommandGenM:
		return "genm"
	default:
		return "unknown"
	}
}

// Result is what a successfully completed (or warned-but-completed)
// transaction returns.
type Result struct {
	Cert       *x509.Certificate
	CAPubs     []*x509.Certificate
	ExtraCerts []*x509.Certificate
	GenRepITAVs []message.ITAV
	Warnings   []string
}

var (
	ErrTotalTimeout     = serrors.New("transaction exceeded total timeout")
	ErrAlreadyConfirmed = serrors.New("certConf already sent for this transaction")
	ErrSenderMismatch   = serrors.New("response sender does not match expected sender")
	ErrNonceMismatch    = serrors.New("response recipNonce does not match request senderNonce")
	ErrTransactionID    = serrors.New("response transactionID does not match request")
)

var oidImplicitConfirm = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 13}

// Machine drives one transaction. OldCert/CSRDER/ITAVs are populated
// depending on Command: OldCert for CommandRR, CSRDER for CommandP10CR,
// ITAVs for CommandGenM.
type Machine struct {
	Ctx     *cmpctx.Context
	Command Command
	OldCert *x509.Certificate
	CSRDER  []byte
	ITAVs   []message.ITAV

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	state State
}

// New builds a Machine ready to Run.
func New(ctx *cmpctx.Context, cmd Command) *Machine {
	return &Machine{Ctx: ctx, Command: cmd, Logger: zap.NewNop()}
}

func (m *Machine) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m *Machine) setState(s State) {
	m.state = s
	m.logger().Debug("transaction state transition",
		zap.String("state", s.String()),
		zap.String("command", m.Command.String()))
}

// Run drives the transaction to completion.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	txID, err := request.Nonce()
	if err != nil {
		return nil, err
	}
	m.Ctx.ResetTransaction(txID, start)

	result, err := m.run(ctx)
	duration := time.Since(start).Seconds()
	outcome := "done"
	if err != nil {
		outcome = "failed"
	}
	if m.Metrics != nil {
		m.Metrics.Outcome(outcome)
		m.Metrics.ObserveDuration(duration)
	}
	if err != nil {
		m.setState(StateFailed)
		m.logger().Warn("transaction failed", zap.Error(err), zap.String("command", m.Command.String()))
		return nil, err
	}
	m.setState(StateDone)
	return result, nil
}

func (m *Machine) checkTotalTimeout(start time.Time) error {
	total := m.Ctx.Options.TotalTimeout
	if total <= 0 {
		return nil
	}
	if time.Since(start) > total {
		return ErrTotalTimeout
	}
	return nil
}

func (m *Machine) run(ctx context.Context) (*Result, error) {
	m.setState(StateInitial)
	req, err := m.buildInitialRequest()
	if err != nil {
		return nil, err
	}

	certReqID := 0
	if req.Body.CertReqMessages != nil && len(req.Body.CertReqMessages.Requests) > 0 {
		certReqID = req.Body.CertReqMessages.Requests[0].CertReq.CertReqID
	}

	start := m.Ctx.State().StartedAt
	for {
		if err := m.checkTotalTimeout(start); err != nil {
			return nil, err
		}

		resp, err := m.sendAndReceive(ctx, &req)
		if err != nil {
			return nil, err
		}

		m.setState(StateAwaitingStatus)
		if err := m.validateEnvelope(resp); err != nil {
			return nil, err
		}

		out, interpretErr := response.Interpret(resp)
		if out != nil && out.IsPollRep {
			m.setState(StatePolling)
			if m.Metrics != nil {
				m.Metrics.Poll()
			}
			if err := m.sleepForPoll(ctx, out.PollCheckAfter, start); err != nil {
				return nil, err
			}
			pollReq, err := request.BuildPollReq(m.Ctx, out.PollCertReqID)
			if err != nil {
				return nil, err
			}
			req = pollReq
			continue
		}

		m.setState(StateEvaluating)
		if interpretErr != nil {
			return nil, interpretErr
		}

		return m.finishEvaluating(ctx, certReqID, resp, out)
	}
}

func (m *Machine) buildInitialRequest() (message.PKIMessage, error) {
	switch m.Command {
	case CommandIR:
		return request.BuildIR(m.Ctx)
	case CommandCR:
		return request.BuildCR(m.Ctx)
	case CommandKUR:
		return request.BuildKUR(m.Ctx)
	case CommandP10CR:
		return request.BuildP10CR(m.Ctx, m.CSRDER)
	case CommandRR:
		return request.BuildRR(m.Ctx, m.OldCert)
	case CommandGenM:
		return request.BuildGenM(m.Ctx, m.ITAVs)
	default:
		return message.PKIMessage{}, serrors.New("unknown command")
	}
}

func (m *Machine) sendAndReceive(ctx context.Context, req *message.PKIMessage) (*message.PKIMessage, error) {
	if err := protection.Apply(req, m.Ctx); err != nil {
		return nil, err
	}
	der, err := message.Encode(req)
	if err != nil {
		return nil, err
	}

	m.setState(StateSent)
	respDER, err := m.Ctx.Transport.SendReceive(ctx, der, m.Ctx.Options.MsgTimeout)
	if err != nil {
		return nil, err
	}

	resp, err := message.Decode(respDER)
	if err != nil {
		return nil, err
	}

	if err := protection.Verify(resp, m.Ctx, m.Ctx.TrustedServerCert); err != nil {
		return nil, err
	}

	return resp, nil
}

func (m *Machine) validateEnvelope(resp *message.PKIMessage) error {
	state := m.Ctx.State()
	if !resp.SameTransaction(state.TransactionID) {
		return ErrTransactionID
	}
	if !resp.RecipientNonceMatches(state.LastSenderNonce) {
		return ErrNonceMismatch
	}
	if m.Ctx.HasExpectedSender && resp.Header.Sender.String() != m.Ctx.ExpectedSender.String() {
		return ErrSenderMismatch
	}
	state.LastRecipNonce = resp.Header.SenderNonce
	return nil
}

func (m *Machine) sleepForPoll(ctx context.Context, checkAfter int, start time.Time) error {
	if err := m.checkTotalTimeout(start); err != nil {
		return err
	}
	d := time.Duration(checkAfter) * time.Second
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Machine) finishEvaluating(ctx context.Context, certReqID int, resp *message.PKIMessage, out *response.Outcome) (*Result, error) {
	result := &Result{
		CAPubs:      out.CAPubs,
		ExtraCerts:  out.ExtraCerts,
		GenRepITAVs: out.GenRepITAVs,
	}

	if m.Command == CommandGenM {
		return result, nil
	}
	if m.Command == CommandRR {
		return result, nil
	}

	if out.Cert == nil {
		return result, nil
	}

	validateOpts := trust.Options{
		Roots:         m.Ctx.OutTrustStore,
		Intermediates: certPoolFrom(out.ExtraCerts),
		CurrentTime:   time.Now(),
	}
	if _, err := trust.Validate(out.Cert, validateOpts); err != nil {
		return nil, serrors.WrapStr("validating issued certificate", err)
	}
	result.Cert = out.Cert

	if m.Ctx.State().Confirmed {
		return nil, ErrAlreadyConfirmed
	}

	if m.Ctx.Options.DisableConfirm {
		result.Warnings = append(result.Warnings, "certConf skipped: disable_confirm is non-compliant with RFC 4210")
		return result, nil
	}

	if m.Ctx.Options.ImplicitConfirm && headerGrantsImplicitConfirm(resp.Header.GeneralInfo) {
		m.Ctx.State().Confirmed = true
		return result, nil
	}

	m.setState(StateConfirming)
	if err := m.confirm(ctx, certReqID, out.Cert); err != nil {
		return nil, err
	}
	m.Ctx.State().Confirmed = true
	return result, nil
}

// headerGrantsImplicitConfirm reports whether the server granted implicit
// confirmation by echoing id-it-implicitConfirm in the response header's
// generalInfo, per RFC 4210 section 5.2.8.2. The request always carries the
// same ITAV when implicitConfirm is requested (see request.header); a
// conforming CA that is willing to grant it echoes it back unmodified.
func headerGrantsImplicitConfirm(generalInfo []message.ITAV) bool {
	for _, itav := range generalInfo {
		if itav.InfoType.Equal(oidImplicitConfirm) {
			return true
		}
	}
	return false
}

func (m *Machine) confirm(ctx context.Context, certReqID int, cert *x509.Certificate) error {
	var failure *cmpctx.Failure
	if m.Ctx.CertConfCallback != nil {
		failure = m.Ctx.CertConfCallback(m.Ctx, cert, nil)
	}

	hash := sha256.Sum256(cert.Raw)
	var hashArg []byte
	if failure == nil {
		hashArg = hash[:]
	}

	confReq, err := request.BuildCertConf(m.Ctx, certReqID, hashArg, failure)
	if err != nil {
		return err
	}

	resp, err := m.sendAndReceive(ctx, &confReq)
	if err != nil {
		return err
	}
	if err := m.validateEnvelope(resp); err != nil {
		return err
	}
	if resp.Body.Type != message.BodyPKIConf {
		_, err := response.Interpret(resp)
		return err
	}
	return nil
}

func certPoolFrom(certs []*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}

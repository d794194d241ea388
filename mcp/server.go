package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/escrow"
	"github.com/x402-foundation/agentpay/pkg/api"
	"github.com/x402-foundation/agentpay/sponsor"
)

// Implementation identifies the server to MCP clients.
var Implementation = &mcpsdk.Implementation{Name: "agentpay", Version: "1.0.0"}

// CodeInvalidArguments marks a tool call whose arguments could not be used.
const CodeInvalidArguments agentpay.Code = "invalid_arguments"

// Option configures the tool server.
type Option func(*tools)

// WithCaller sets the principal address the tools act for.
func WithCaller(addr string) Option {
	return func(t *tools) {
		t.caller = addr
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *tools) {
		if l != nil {
			t.logger = l
		}
	}
}

type tools struct {
	sessions api.Sessions
	payments api.Payments
	escrows  api.Escrows
	decimals int
	caller   string
	logger   *slog.Logger
}

// NewServer builds an MCP server with every tool registered.
func NewServer(sessions api.Sessions, payments api.Payments, escrows api.Escrows, decimals int, opts ...Option) *mcpsdk.Server {
	t := &tools{
		sessions: sessions,
		payments: payments,
		escrows:  escrows,
		decimals: decimals,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if addr, err := agentpay.NormalizeAddress(t.caller); err == nil {
		t.caller = addr
	}

	server := mcpsdk.NewServer(Implementation, nil)
	t.register(server)
	return server
}

func (t *tools) register(s *mcpsdk.Server) {
	addTool(s, t, &mcpsdk.Tool{
		Name:        "session_status",
		Description: "Show a session key's remaining spend limit, expiry and status.",
		InputSchema: object(required("sessionKeyId"), prop("sessionKeyId", "string", "Session key id")),
	}, t.sessionStatus)

	addTool(s, t, &mcpsdk.Tool{
		Name:        "fee_estimate",
		Description: "Quote the token fee of one sponsored transfer at the current gas price.",
		InputSchema: object(nil),
	}, t.feeEstimate)

	addTool(s, t, &mcpsdk.Tool{
		Name:        "sponsored_transfer",
		Description: "Send tokens from a session key without holding native gas. The fee is quoted before submission and rejected if above maxFee.",
		InputSchema: object(required("sessionKeyId", "recipient", "amount", "maxFee"),
			prop("sessionKeyId", "string", "Session key id"),
			prop("recipient", "string", "Recipient address"),
			prop("amount", "string", "Decimal token amount"),
			prop("maxFee", "string", "Largest acceptable fee, decimal token amount"),
			prop("idempotencyKey", "string", "Repeat-safe request key")),
	}, t.sponsoredTransfer)

	addTool(s, t, &mcpsdk.Tool{
		Name:        "payment_status",
		Description: "Show a sponsored payment. With refresh, ask the relay for its outcome first.",
		InputSchema: object(required("paymentId"),
			prop("paymentId", "string", "Payment id"),
			prop("refresh", "boolean", "Poll the relay before answering")),
	}, t.paymentStatus)

	addTool(s, t, &mcpsdk.Tool{
		Name:        "lock_funds",
		Description: "Lock tokens in escrow for a provider until proof of completion or the deadline.",
		InputSchema: object(required("provider", "amount", "deadline"),
			prop("provider", "string", "Provider address"),
			prop("amount", "string", "Decimal token amount"),
			prop("deadline", "string", "RFC 3339 deadline"),
			prop("description", "string", "What the provider must deliver"),
			prop("autoRefund", "boolean", "Allow anyone to trigger the refund after the deadline")),
	}, t.lockFunds)

	addTool(s, t, &mcpsdk.Tool{
		Name:        "release_with_proof",
		Description: "Release an escrow to its provider with a completion attestation.",
		InputSchema: object(required("taskId", "attestationId"),
			prop("taskId", "string", "Escrow task id"),
			prop("attestationId", "string", "Attestation id, 32-byte hex"),
			prop("signature", "string", "Attester signature")),
	}, t.release)

	addTool(s, t, &mcpsdk.Tool{
		Name:        "refund_escrow",
		Description: "Return an expired escrow to its funder.",
		InputSchema: object(required("taskId"), prop("taskId", "string", "Escrow task id")),
	}, t.refund)

	addTool(s, t, &mcpsdk.Tool{
		Name:        "dispute_escrow",
		Description: "Freeze an active escrow pending arbiter resolution.",
		InputSchema: object(required("taskId"),
			prop("taskId", "string", "Escrow task id"),
			prop("reason", "string", "Why the task is disputed")),
	}, t.dispute)

	addTool(s, t, &mcpsdk.Tool{
		Name:        "escrow_status",
		Description: "Show an escrow task.",
		InputSchema: object(required("taskId"), prop("taskId", "string", "Escrow task id")),
	}, t.escrowStatus)
}

// addTool registers fn, decoding arguments into In and rendering the
// result or the typed error.
func addTool[In any](s *mcpsdk.Server, t *tools, tool *mcpsdk.Tool, fn func(context.Context, In) (interface{}, error)) {
	s.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var in In
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return errorResult(agentpay.NewError(CodeInvalidArguments, fmt.Sprintf("failed to unmarshal arguments: %v", err), nil)), nil
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			if _, ok := agentpay.AsError(err); !ok {
				t.logger.Error("tool failed", "tool", tool.Name, "error", err)
			}
			return errorResult(err), nil
		}
		return jsonResult(out)
	})
}

func jsonResult(v interface{}) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
		StructuredContent: json.RawMessage(raw),
	}, nil
}

func errorResult(err error) *mcpsdk.CallToolResult {
	e, ok := agentpay.AsError(err)
	if !ok {
		e = agentpay.NewError(agentpay.CodeOperationFailed, "internal error", nil)
	}
	payload := map[string]interface{}{"error": e, "category": e.Category()}
	if e.Code == CodeInvalidArguments {
		delete(payload, "category")
	}
	raw, _ := json.Marshal(payload)
	return &mcpsdk.CallToolResult{
		IsError:           true,
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
		StructuredContent: json.RawMessage(raw),
	}
}

func invalid(format string, args ...interface{}) error {
	return agentpay.NewError(CodeInvalidArguments, fmt.Sprintf(format, args...), nil)
}

func (t *tools) requireCaller() (string, error) {
	if _, err := agentpay.NormalizeAddress(t.caller); err != nil {
		return "", agentpay.NotAuthorized(t.caller, "tool server has no principal configured")
	}
	return t.caller, nil
}

func (t *tools) amount(field, value string) (*big.Int, error) {
	v, err := agentpay.ParseAmount(value, t.decimals)
	if err != nil {
		return nil, invalid("%s: %v", field, err)
	}
	return v, nil
}

// Sessions and payments

type sessionArgs struct {
	SessionKeyID string `json:"sessionKeyId"`
}

func (t *tools) sessionStatus(ctx context.Context, in sessionArgs) (interface{}, error) {
	if in.SessionKeyID == "" {
		return nil, invalid("sessionKeyId is required")
	}
	key, err := t.sessions.Lookup(ctx, in.SessionKeyID)
	if err != nil {
		return nil, err
	}
	caller, err := t.requireCaller()
	if err != nil {
		return nil, err
	}
	if !agentpay.SameAddress(key.Owner, caller) && !agentpay.SameAddress(key.Address, caller) {
		return nil, agentpay.SessionNotFound(in.SessionKeyID)
	}
	return api.NewSessionView(key, t.decimals), nil
}

func (t *tools) feeEstimate(ctx context.Context, _ struct{}) (interface{}, error) {
	quote, err := t.payments.EstimateFee(ctx)
	if err != nil {
		return nil, err
	}
	return api.NewFeeView(quote, t.decimals), nil
}

type transferArgs struct {
	SessionKeyID   string `json:"sessionKeyId"`
	Recipient      string `json:"recipient"`
	Amount         string `json:"amount"`
	MaxFee         string `json:"maxFee"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (t *tools) sponsoredTransfer(ctx context.Context, in transferArgs) (interface{}, error) {
	amount, err := t.amount("amount", in.Amount)
	if err != nil {
		return nil, err
	}
	maxFee, err := t.amount("maxFee", in.MaxFee)
	if err != nil {
		return nil, err
	}
	if _, err := t.sessionStatus(ctx, sessionArgs{SessionKeyID: in.SessionKeyID}); err != nil {
		return nil, err
	}
	payment, err := t.payments.SponsoredTransfer(ctx, sponsor.TransferRequest{
		SessionKeyID:   in.SessionKeyID,
		Recipient:      in.Recipient,
		Amount:         amount,
		MaxFee:         maxFee,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return api.NewPaymentView(payment, t.decimals), nil
}

type paymentArgs struct {
	PaymentID string `json:"paymentId"`
	Refresh   bool   `json:"refresh"`
}

func (t *tools) paymentStatus(ctx context.Context, in paymentArgs) (interface{}, error) {
	if in.PaymentID == "" {
		return nil, invalid("paymentId is required")
	}
	payment, err := t.payments.Get(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	if _, err := t.sessionStatus(ctx, sessionArgs{SessionKeyID: payment.SessionKeyID}); err != nil {
		return nil, agentpay.PaymentNotFound(in.PaymentID)
	}
	if in.Refresh && !payment.Status.Terminal() {
		if payment, err = t.payments.Confirm(ctx, in.PaymentID); err != nil {
			return nil, err
		}
	}
	return api.NewPaymentView(payment, t.decimals), nil
}

// Escrow

type lockArgs struct {
	Provider    string `json:"provider"`
	Amount      string `json:"amount"`
	Deadline    string `json:"deadline"`
	Description string `json:"description"`
	AutoRefund  bool   `json:"autoRefund"`
}

func (t *tools) lockFunds(ctx context.Context, in lockArgs) (interface{}, error) {
	caller, err := t.requireCaller()
	if err != nil {
		return nil, err
	}
	amount, err := t.amount("amount", in.Amount)
	if err != nil {
		return nil, err
	}
	deadline, err := time.Parse(time.RFC3339, in.Deadline)
	if err != nil {
		return nil, invalid("deadline must be RFC 3339: %v", err)
	}
	task, err := t.escrows.LockFunds(ctx, escrow.LockRequest{
		Funder:      caller,
		Provider:    in.Provider,
		Amount:      amount,
		Deadline:    deadline,
		Description: in.Description,
		AutoRefund:  in.AutoRefund,
	})
	if err != nil {
		return nil, err
	}
	return api.NewTaskView(task, t.decimals), nil
}

type taskArgs struct {
	TaskID        string `json:"taskId"`
	AttestationID string `json:"attestationId"`
	Signature     string `json:"signature"`
	Reason        string `json:"reason"`
}

func (in taskArgs) check() error {
	if in.TaskID == "" {
		return invalid("taskId is required")
	}
	return nil
}

func (t *tools) release(ctx context.Context, in taskArgs) (interface{}, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	task, err := t.escrows.ReleaseWithProof(ctx, in.TaskID, agentpay.Attestation{ID: in.AttestationID, Signature: in.Signature})
	if err != nil {
		return nil, err
	}
	return api.NewTaskView(task, t.decimals), nil
}

func (t *tools) refund(ctx context.Context, in taskArgs) (interface{}, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	task, err := t.escrows.Refund(ctx, in.TaskID, t.caller)
	if err != nil {
		return nil, err
	}
	return api.NewTaskView(task, t.decimals), nil
}

func (t *tools) dispute(ctx context.Context, in taskArgs) (interface{}, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	caller, err := t.requireCaller()
	if err != nil {
		return nil, err
	}
	task, err := t.escrows.Dispute(ctx, in.TaskID, caller, in.Reason)
	if err != nil {
		return nil, err
	}
	return api.NewTaskView(task, t.decimals), nil
}

func (t *tools) escrowStatus(ctx context.Context, in taskArgs) (interface{}, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	task, err := t.escrows.Get(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	return api.NewTaskView(task, t.decimals), nil
}

// Schema helpers

type property struct {
	name   string
	schema map[string]interface{}
}

func prop(name, typ, description string) property {
	return property{name: name, schema: map[string]interface{}{"type": typ, "description": description}}
}

func required(names ...string) []string {
	return names
}

func object(req []string, props ...property) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for _, p := range props {
		properties[p.name] = p.schema
	}
	schema := map[string]interface{}{"type": "object", "properties": properties}
	if len(req) > 0 {
		schema["required"] = req
	}
	return schema
}

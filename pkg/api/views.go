package api

import (
	"math/big"
	"time"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/escrow"
	"github.com/x402-foundation/agentpay/session"
	"github.com/x402-foundation/agentpay/sponsor"
)

// Views render amounts as decimal token strings; the domain types carry
// integer minor units.

// SessionView is the external form of a session key.
type SessionView struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Address        string     `json:"address"`
	Label          string     `json:"label,omitempty"`
	SpendLimit     string     `json:"spendLimit"`
	RemainingLimit string     `json:"remainingLimit"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	Status         string     `json:"status"`
	ApprovalTx     string     `json:"approvalTx,omitempty"`
	RevocationTx   string     `json:"revocationTx,omitempty"`
}

// NewSessionView converts a session key.
func NewSessionView(k *session.SessionKey, decimals int) SessionView {
	return SessionView{
		ID:             k.ID,
		Owner:          k.Owner,
		Address:        k.Address,
		Label:          k.Label,
		SpendLimit:     agentpay.FormatAmount(k.SpendLimit, decimals),
		RemainingLimit: agentpay.FormatAmount(k.RemainingLimit, decimals),
		ExpiresAt:      k.ExpiresAt,
		CreatedAt:      k.CreatedAt,
		RevokedAt:      k.RevokedAt,
		Status:         string(k.Status),
		ApprovalTx:     k.ApprovalTx,
		RevocationTx:   k.RevocationTx,
	}
}

// PaymentView is the external form of a sponsored payment.
type PaymentView struct {
	ID            string    `json:"id"`
	SessionKeyID  string    `json:"sessionKeyId"`
	Owner         string    `json:"owner"`
	Recipient     string    `json:"recipient"`
	Amount        string    `json:"amount"`
	EstimatedFee  string    `json:"estimatedFee"`
	MaxFee        string    `json:"maxFee"`
	NativeFeeWei  string    `json:"nativeFeeWei"`
	Status        string    `json:"status"`
	Handle        string    `json:"handle,omitempty"`
	TxHash        string    `json:"txHash,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewPaymentView converts a payment.
func NewPaymentView(p *sponsor.Payment, decimals int) PaymentView {
	return PaymentView{
		ID:            p.ID,
		SessionKeyID:  p.SessionKeyID,
		Owner:         p.Owner,
		Recipient:     p.Recipient,
		Amount:        agentpay.FormatAmount(p.PrincipalAmount, decimals),
		EstimatedFee:  agentpay.FormatAmount(p.EstimatedFee, decimals),
		MaxFee:        agentpay.FormatAmount(p.MaxFee, decimals),
		NativeFeeWei:  weiString(p.NativeFeeWei),
		Status:        string(p.Status),
		Handle:        p.Handle,
		TxHash:        p.TxHash,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// TaskView is the external form of an escrow task.
type TaskView struct {
	ID             string     `json:"id"`
	Funder         string     `json:"funder"`
	Provider       string     `json:"provider"`
	Amount         string     `json:"amount"`
	Deadline       time.Time  `json:"deadline"`
	Status         string     `json:"status"`
	Description    string     `json:"description,omitempty"`
	AutoRefund     bool       `json:"autoRefund"`
	AttestationRef string     `json:"attestationRef,omitempty"`
	DisputedBy     string     `json:"disputedBy,omitempty"`
	DisputeReason  string     `json:"disputeReason,omitempty"`
	LockTx         string     `json:"lockTx,omitempty"`
	PayoutTx       string     `json:"payoutTx,omitempty"`
	PayoutTo       string     `json:"payoutTo,omitempty"`
	Settled        bool       `json:"settled"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// NewTaskView converts an escrow task.
func NewTaskView(t *escrow.Task, decimals int) TaskView {
	return TaskView{
		ID:             t.ID,
		Funder:         t.Funder,
		Provider:       t.Provider,
		Amount:         agentpay.FormatAmount(t.Amount, decimals),
		Deadline:       t.Deadline,
		Status:         string(t.Status),
		Description:    t.Description,
		AutoRefund:     t.AutoRefund,
		AttestationRef: t.AttestationRef,
		DisputedBy:     t.DisputedBy,
		DisputeReason:  t.DisputeReason,
		LockTx:         t.LockTx,
		PayoutTx:       t.PayoutTx,
		PayoutTo:       t.PayoutTo,
		Settled:        t.Settled,
		CreatedAt:      t.CreatedAt,
		ResolvedAt:     t.ResolvedAt,
	}
}

// FeeView is the external form of a fee quote.
type FeeView struct {
	GasUnits     uint64 `json:"gasUnits"`
	GasPriceWei  string `json:"gasPriceWei"`
	NativeFeeWei string `json:"nativeFeeWei"`
	TokenFee     string `json:"tokenFee"`
}

// NewFeeView converts a fee quote.
func NewFeeView(q agentpay.FeeQuote, decimals int) FeeView {
	return FeeView{
		GasUnits:     q.GasUnits,
		GasPriceWei:  weiString(q.GasPriceWei),
		NativeFeeWei: weiString(q.NativeFeeWei),
		TokenFee:     agentpay.FormatAmount(q.TokenFee, decimals),
	}
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

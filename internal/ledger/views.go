package ledger

import "time"

// EntryView is the JSON projection of an Entry.
type EntryView struct {
	ID           string    `json:"id"`
	Type         EntryType `json:"type"`
	Amount       string    `json:"amount"`
	PaymentID    string    `json:"paymentId,omitempty"`
	WithdrawalID string    `json:"withdrawalId,omitempty"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (e *Entry) ToView() EntryView {
	return EntryView{
		ID:           e.ID,
		Type:         e.Type,
		Amount:       e.Amount.StringFixed(2),
		PaymentID:    e.PaymentID,
		WithdrawalID: e.WithdrawalID,
		Description:  e.Description,
		CreatedAt:    e.CreatedAt,
	}
}

// WalletView is the JSON projection of a Wallet.
type WalletView struct {
	FreelancerID string    `json:"freelancerId"`
	Balance      string    `json:"balance"`
	TotalEarned  string    `json:"totalEarned"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

func (w *Wallet) ToView() WalletView {
	return WalletView{
		FreelancerID: w.FreelancerID,
		Balance:      w.Balance.StringFixed(2),
		TotalEarned:  w.TotalEarned.StringFixed(2),
		UpdatedAt:    w.UpdatedAt,
	}
}

// WithdrawalView is the JSON projection of a Withdrawal.
type WithdrawalView struct {
	ID           string           `json:"id"`
	FreelancerID string           `json:"freelancerId"`
	Amount       string           `json:"amount"`
	Status       WithdrawalStatus `json:"status"`
	Note         string           `json:"note,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	ProcessedAt  *time.Time       `json:"processedAt,omitempty"`
}

func (w *Withdrawal) ToView() WithdrawalView {
	return WithdrawalView{
		ID:           w.ID,
		FreelancerID: w.FreelancerID,
		Amount:       w.Amount.StringFixed(2),
		Status:       w.Status,
		Note:         w.Note,
		CreatedAt:    w.CreatedAt,
		ProcessedAt:  w.ProcessedAt,
	}
}

func withdrawalViews(ws []*Withdrawal) []WithdrawalView {
	out := make([]WithdrawalView, len(ws))
	for i, w := range ws {
		out[i] = w.ToView()
	}
	return out
}

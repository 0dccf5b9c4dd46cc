package models

import "time"

// TxStatus is the lifecycle status of an escrow transaction. It is a closed
// set: every value a Transaction can carry is declared below.
type TxStatus string

const (
	StatusPendingAcceptance    TxStatus = "pending_acceptance"
	StatusWaitingPayment       TxStatus = "waiting_payment"
	StatusAwaitingConfirmation TxStatus = "awaiting_confirmation"
	StatusPaymentReceived      TxStatus = "payment_received"
	StatusGoodsReleased        TxStatus = "goods_released"
	StatusCompleted            TxStatus = "completed"
	StatusRejected             TxStatus = "rejected"
	StatusUnderReview          TxStatus = "under_review"
	StatusRefunded             TxStatus = "refunded"
)

// Valid reports whether s is one of the declared statuses.
func (s TxStatus) Valid() bool {
	switch s {
	case StatusPendingAcceptance, StatusWaitingPayment, StatusAwaitingConfirmation,
		StatusPaymentReceived, StatusGoodsReleased, StatusCompleted,
		StatusRejected, StatusUnderReview, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further action-driven transition is defined
// from s.
func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusRefunded
}

// Role is a party's side of the deal.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// Complement returns the opposite side of the deal.
func (r Role) Complement() Role {
	if r == RoleSeller {
		return RoleBuyer
	}
	return RoleSeller
}

// Valid reports whether r is seller or buyer.
func (r Role) Valid() bool {
	return r == RoleSeller || r == RoleBuyer
}

// Action names a transition performed against a transaction. Action values
// appear verbatim in audit entries.
type Action string

const (
	ActionCreate          Action = "create"
	ActionAccept          Action = "accept"
	ActionReject          Action = "reject"
	ActionMarkPaymentSent Action = "mark_payment_sent"
	ActionConfirmPayment  Action = "confirm_payment"
	ActionReleaseGoods    Action = "release_goods"
	ActionApproveRelease  Action = "approve_release"
	ActionMarkUnderReview Action = "mark_under_review"
	ActionMarkRefunded    Action = "mark_refunded"
	ActionResolveReview   Action = "resolve_review"
	ActionDelete          Action = "delete"
)

// SupportedCurrencies is the closed set of currencies a deal may be
// denominated in.
var SupportedCurrencies = map[string]bool{
	"BTC": true,
	"BCH": true,
	"ETH": true,
	"LTC": true,
	"XMR": true,
}

// User is a registered account. Username and WalletAddress are self-service
// editable; everything else is fixed after signup.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username"`
	PasswordHash  string    `json:"-"`
	WalletAddress string    `json:"wallet_address"`
	IsArbitrator  bool      `json:"is_arbitrator"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transaction is the shared record for one escrow deal between exactly two
// participants. Participants never change after creation; CreatorRole and
// InvitedRole are always complementary. Version is the optimistic-concurrency
// token: every committed transition increments it.
type Transaction struct {
	ID                  string    `json:"id"`
	CreatorUID          string    `json:"creator_uid"`
	CreatorRole         Role      `json:"creator_role"`
	InvitedUID          string    `json:"invited_uid"`
	InvitedRole         Role      `json:"invited_role"`
	Amount              float64   `json:"amount"`
	Currency            string    `json:"currency"`
	Terms               string    `json:"terms"`
	Status              TxStatus  `json:"status"`
	EscrowWalletAddress string    `json:"escrow_wallet_address"`
	SellerWalletAddress string    `json:"seller_wallet_address"`
	BuyerWalletAddress  string    `json:"buyer_wallet_address"`
	PaymentSent         bool      `json:"payment_sent"`
	PaymentReceived     bool      `json:"payment_received"`
	GoodsReleased       bool      `json:"goods_released"`
	BuyerApproved       bool      `json:"buyer_approved"`
	Completed           bool      `json:"completed"`
	Version             int64     `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
}

// IsParticipant reports whether uid is one of the two parties on the deal.
func (t *Transaction) IsParticipant(uid string) bool {
	return uid == t.CreatorUID || uid == t.InvitedUID
}

// RoleOf returns the deal-side role of uid, or "" if uid is not a
// participant.
func (t *Transaction) RoleOf(uid string) Role {
	switch uid {
	case t.CreatorUID:
		return t.CreatorRole
	case t.InvitedUID:
		return t.InvitedRole
	}
	return ""
}

// SellerUID returns the uid of whichever participant holds the seller role.
func (t *Transaction) SellerUID() string {
	if t.CreatorRole == RoleSeller {
		return t.CreatorUID
	}
	return t.InvitedUID
}

// BuyerUID returns the uid of whichever participant holds the buyer role.
func (t *Transaction) BuyerUID() string {
	if t.CreatorRole == RoleBuyer {
		return t.CreatorUID
	}
	return t.InvitedUID
}

// Counterparty returns the other participant's uid.
func (t *Transaction) Counterparty(uid string) string {
	if uid == t.CreatorUID {
		return t.InvitedUID
	}
	return t.CreatorUID
}

// DeletableStatuses are the statuses from which a participant may remove the
// record entirely. Past this set the deal is part of the permanent record.
var DeletableStatuses = map[TxStatus]bool{
	StatusRejected:             true,
	StatusPendingAcceptance:    true,
	StatusWaitingPayment:       true,
	StatusAwaitingConfirmation: true,
}

// AuditEntry is one immutable line in a transaction's audit trail. ActorUID
// is empty for system-originated entries. Seq breaks ordering ties between
// entries that share a timestamp.
type AuditEntry struct {
	ID        string            `json:"id"`
	TxID      string            `json:"tx_id"`
	ActorUID  string            `json:"actor_uid,omitempty"`
	Action    Action            `json:"action"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Seq       int64             `json:"seq"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notification is one message in a user's outbox. Read is the only mutable
// field and only the recipient may set it.
type Notification struct {
	ID           string    `json:"id"`
	RecipientUID string    `json:"recipient_uid"`
	Message      string    `json:"message"`
	RelatedTxID  string    `json:"related_tx_id,omitempty"`
	Read         bool      `json:"read"`
	CreatedAt    time.Time `json:"created_at"`
}

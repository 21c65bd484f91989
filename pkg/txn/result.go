package txn

import (
	"storefront/pkg/domain"
	"storefront/pkg/inventory"
	"storefront/pkg/pricing"
)

// Status is the terminal outcome of a coordinator call.
type Status string

const (
	StatusCommitted    Status = "committed"
	StatusAlreadyOwned Status = "already_owned"
	StatusRemoved      Status = "removed"
	StatusFailed       Status = "failed"
)

// Reason qualifies a failed outcome.
type Reason string

const (
	ReasonNone                      Reason = ""
	ReasonOutOfStock                Reason = "out_of_stock"
	ReasonStoreUnavailable          Reason = "store_unavailable"
	ReasonPriceRemovalNotAllowed    Reason = "price_removal_not_allowed"
	ReasonPhysicalRemovalNotAllowed Reason = "physical_removal_not_allowed"
	ReasonNotOwned                  Reason = "not_owned"
	ReasonUnknownItem               Reason = "unknown_item"
	ReasonSignInRequired            Reason = "sign_in_required"
)

// State is a step of the purchase state machine.
type State string

const (
	StateRequested           State = "requested"
	StateStockReserved       State = "stock_reserved"
	StateOwnershipRecorded   State = "ownership_recorded"
	StateNotificationEmitted State = "notification_emitted"
	StateCommitted           State = "committed"
	StateFailed              State = "failed"
)

// Result is what a coordinator call returns. It is a value: side effects are
// observed through the ownership, inventory and notification sequences.
type Result struct {
	Status   Status                  `json:"status"`
	Reason   Reason                  `json:"reason,omitempty"`
	State    State                   `json:"state"`
	ItemID   string                  `json:"itemId"`
	OrderRef string                  `json:"orderRef,omitempty"`
	Kind     domain.NotificationType `json:"kind,omitempty"`
	Quote    *pricing.Quote          `json:"quote,omitempty"`
	Stock    *inventory.Level        `json:"stock,omitempty"`
}

// OK reports a successful outcome. AlreadyOwned is a success.
func (r Result) OK() bool {
	return r.Status != StatusFailed
}

func failed(itemID string, reason Reason) Result {
	return Result{Status: StatusFailed, Reason: reason, State: StateFailed, ItemID: itemID}
}

package app

import (
	"fmt"

	"storefront/pkg/domain"
	"storefront/pkg/inventory"
	"storefront/pkg/ownership"
	"storefront/pkg/pricing"
	"storefront/pkg/txn"
)

const (
	MessageOutOfStock                = "Sorry, this item is out of stock."
	MessageAlreadyOwned              = "You already own this item."
	MessagePriceRemovalNotAllowed    = "Purchased items can't be removed from your library."
	MessagePhysicalRemovalNotAllowed = "Picked-up items can't be returned here."
	MessageNotOwned                  = "This item isn't in your library."
	MessageUnknownItem               = "This item is no longer available."
	MessageSignInRequired            = "Please sign in first."
	MessageStoreUnavailable          = "We couldn't reach the store. Please try again."
	MessageCatalogUnavailable        = "We couldn't load the catalog. Please try again."
	MessageRemoved                   = "Removed from your library"
	MessageAddedToFavorites          = "Added to favorites!"
	MessageRemovedFromFavorites      = "Removed from favorites"
)

// Message renders a coordinator result for the user.
func Message(res txn.Result) string {
	switch res.Status {
	case txn.StatusAlreadyOwned:
		return MessageAlreadyOwned
	case txn.StatusRemoved:
		return MessageRemoved
	case txn.StatusCommitted:
		switch res.Kind {
		case domain.NotificationPickup:
			return "Reserved! Pick it up at the counter."
		case domain.NotificationLibrary:
			return "Added to your library!"
		default:
			if res.Quote != nil {
				return fmt.Sprintf("Purchase complete: %s. Order %s", res.Quote.Label(), res.OrderRef)
			}
			return "Purchase complete. Order " + res.OrderRef
		}
	}
	switch res.Reason {
	case txn.ReasonOutOfStock:
		return MessageOutOfStock
	case txn.ReasonPriceRemovalNotAllowed:
		return MessagePriceRemovalNotAllowed
	case txn.ReasonPhysicalRemovalNotAllowed:
		return MessagePhysicalRemovalNotAllowed
	case txn.ReasonNotOwned:
		return MessageNotOwned
	case txn.ReasonUnknownItem:
		return MessageUnknownItem
	case txn.ReasonSignInRequired:
		return MessageSignInRequired
	default:
		return MessageStoreUnavailable
	}
}

func ToggleMessage(res ownership.ToggleResult) string {
	if res.Added {
		return MessageAddedToFavorites
	}
	return MessageRemovedFromFavorites
}

// ActionLabel is the caption of the detail screen's primary button.
func ActionLabel(item domain.CatalogItem, q pricing.Quote, owned bool, stock inventory.Level) string {
	switch {
	case owned && item.Physical():
		return "Reserved"
	case owned:
		return "In your library"
	case stock.Out:
		return "Out of stock"
	case !item.Free():
		return "Buy for " + q.Label()
	case item.Physical():
		return "Pick up for free"
	default:
		return "Add to library"
	}
}

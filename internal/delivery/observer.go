package delivery

import "nuha.dev/gpsclient/internal/position"

// Rolling status messages pushed to observers.
const (
	StatusLocationUpdate     = "Location update"
	StatusConnectivityChange = "Connectivity change"
	StatusSendFailed         = "Send failed"
	StatusStoreFailed        = "Store failed"
	StatusAlarmTriggered     = "Alarm triggered"
	StatusAlarmEnded         = "Alarm ended"
)

// Observer receives delivery results. Calls are made outside the
// controller lock, but an observer must not block for long.
type Observer interface {
	OnDeliveryOutcome(rec position.Record, success bool)
	OnDeliveryFailed(rec position.Record, reason error)
	OnStatus(message string)
}

// Observers fans every call out to each member in order.
type Observers []Observer

func (o Observers) OnDeliveryOutcome(rec position.Record, success bool) {
	for _, x := range o {
		x.OnDeliveryOutcome(rec, success)
	}
}

func (o Observers) OnDeliveryFailed(rec position.Record, reason error) {
	for _, x := range o {
		x.OnDeliveryFailed(rec, reason)
	}
}

func (o Observers) OnStatus(message string) {
	for _, x := range o {
		x.OnStatus(message)
	}
}

package notify

import "github.com/MarcoPoloResearchLab/denuncias/internal/network"

// ConnectivitySource pushes connectivity transitions.
type ConnectivitySource interface {
	Subscribe(listener network.Listener) func()
}

// RelayConnectivity streams connectivity transitions to the UI and returns the detach func.
func RelayConnectivity(source ConnectivitySource, dispatcher *Dispatcher) func() {
	if source == nil || dispatcher == nil {
		return func() {}
	}
	return source.Subscribe(func(_, current network.State) {
		dispatcher.Publish(Event{Type: EventConnectivity, Data: current, Timestamp: current.ChangedAt})
	})
}

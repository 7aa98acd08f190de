package events

// Event enumerates high-level topics inside the trader.
type Event string

const (
	EventSignalReceived     Event = "signal.received"
	EventSignalTransition   Event = "signal.transition"
	EventOrderSubmitted     Event = "order.submitted"
	EventOrderDuplicate     Event = "order.duplicate"
	EventOrderRejected      Event = "order.rejected"
	EventOrderTransition    Event = "order.transition"
	EventPositionOpened     Event = "position.opened"
	EventPositionClosed     Event = "position.closed"
	EventExitTriggered      Event = "risk.exit_triggered"
	EventReconcileCorrected Event = "reconcile.corrected"
)

package constant

const (
	TradingSignalQueueName  = "trading_signal_queue"
	TradingSignalQueueGroup = "trading_signal_group"

	TradingSignalStreamName          = "trading_signal"
	TradingSignalStreamSubjectAll    = "trading_signal.*"
	TradingSignalStreamSubjectSubmit = "trading_signal.submit"

	OrderLifecycleStreamName              = "order_lifecycle"
	OrderLifecycleStreamSubjectAll        = "order_lifecycle.*"
	OrderLifecycleStreamSubjectTransition = "order_lifecycle.transition"

	ReconciliationStreamName          = "reconciliation"
	ReconciliationStreamSubjectAll    = "reconciliation.*"
	ReconciliationStreamSubjectReport = "reconciliation.report"
)

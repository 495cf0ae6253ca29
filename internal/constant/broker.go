package constant

const (
	BrokerPaper  = "paper"
	BrokerAlpaca = "alpaca"

	PriceFeedBroker = "broker"
	PriceFeedStream = "stream"
)

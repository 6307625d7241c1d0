package messaging

const (
	ExchangeEvents   = "registrar.events"
	ExchangeCommands = "registrar.commands"

	QueueRegister           = "registrar.register"
	QueueManualIntervention = "registrar.manual_intervention"

	RoutingKeyRegister          = "register"
	RoutingKeyChallengeDetected = "challenge.detected"
	RoutingKeyChallengeTimeout  = "challenge.timeout"
)

// RegistrarTopology is the broker layout the registrar service owns:
// register commands arrive on a direct exchange, lifecycle events leave on a
// topic exchange, and challenge events are copied to the manual
// intervention queue for operators.
func RegistrarTopology() Topology {
	return Topology{
		Exchanges: []ExchangeSpec{
			{Name: ExchangeEvents, Kind: "topic"},
			{Name: ExchangeCommands, Kind: "direct"},
		},
		Queues: []string{QueueRegister, QueueManualIntervention},
		Bindings: []BindingSpec{
			{Queue: QueueRegister, Exchange: ExchangeCommands, RoutingKey: RoutingKeyRegister},
			{Queue: QueueManualIntervention, Exchange: ExchangeEvents, RoutingKey: RoutingKeyChallengeDetected},
			{Queue: QueueManualIntervention, Exchange: ExchangeEvents, RoutingKey: RoutingKeyChallengeTimeout},
		},
	}
}

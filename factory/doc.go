// Package factory creates stanza transports, switching between the
// in-memory simulation and a live stream without changing consuming code.
//
// # Configuration
//
// The factory reads its defaults from the environment:
//   - S5B_USE_SIMULATION: "true" or "false" to enable simulation mode
//   - S5B_SEND_TIMEOUT: a duration such as "5s" bounding each stanza write
//   - S5B_RETRY_ATTEMPTS: number of attempts for a timed-out write
//
// Invalid values are logged and ignored.
//
// # Usage
//
//	f := factory.NewStanzaTransportFactory()
//	tr, err := f.CreateStanzaTransport("alice@example.com/home", conn)
//
// In simulation mode every transport created by one factory is attached to
// the same testing.SimulatedNetwork, so two accounts created from one
// factory can negotiate with each other:
//
//	f.SwitchToSimulation()
//	alice, _ := f.CreateStanzaTransport("alice@example.com/home", nil)
//	bob, _ := f.CreateStanzaTransport("bob@example.com/work", nil)
package factory

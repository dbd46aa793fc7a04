package observability

import "github.com/nats-io/nats.go"

// NATSHeaderCarrier lets the OpenTelemetry propagator read and write NATS
// message headers, so trace context survives the dispatch hop from the
// dispatcher to whichever worker picks the message up.
type NATSHeaderCarrier nats.Header

func (c NATSHeaderCarrier) Get(key string) string {
	return nats.Header(c).Get(key)
}

func (c NATSHeaderCarrier) Set(key, value string) {
	nats.Header(c).Set(key, value)
}

func (c NATSHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

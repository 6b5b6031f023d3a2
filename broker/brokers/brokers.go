// Package brokers imports all built-in broker adapters for
// auto-registration. Import this package to have every adapter
// registered with the default registry.
package brokers

import (
	// Import all adapters for side-effect registration
	_ "github.com/flowmill/flowmill/broker/activemq"
	_ "github.com/flowmill/flowmill/broker/embedded"
	_ "github.com/flowmill/flowmill/broker/nats"
	_ "github.com/flowmill/flowmill/broker/sqs"
)

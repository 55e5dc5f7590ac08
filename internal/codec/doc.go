// Package codec parses "<id>/<kind>" broker topics and decodes their
// payloads into typed events.
//
// Gateways publish eight kinds of message: data, devices, device, each with a
// zlib-compressed _gz variant, plus status and event. Bridges republish the
// same information on the central broker as normalized JSON envelopes; both
// forms decode to the same Event values.
//
// Event is a closed set. Consumers implement Handler and call Accept, so a
// new event type cannot be silently ignored:
//
//	for _, ev := range decoder.Decode(msg.Topic, msg.Payload, msg.Retained) {
//	    if err := ev.Accept(store); err != nil {
//	        ...
//	    }
//	}
package codec

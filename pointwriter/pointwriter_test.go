package pointwriter

import (
	"sync"

	telemetry "github.com/eniris/telemetry-go"
)

// memoryWriter is a transport.Writer test double recording every
// telemessage it receives.
type memoryWriter struct {
	mu       sync.Mutex
	messages []*telemetry.Telemessage
	flushes  int
}

func (m *memoryWriter) WriteTelemessage(msg *telemetry.Telemessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memoryWriter) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *memoryWriter) snapshot() []*telemetry.Telemessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*telemetry.Telemessage, len(m.messages))
	copy(out, m.messages)
	return out
}

func mustNamespace(name string) telemetry.Namespace {
	ns, err := telemetry.NewV3Namespace(name)
	if err != nil {
		panic(err)
	}
	return ns
}

func mustPoint(ns telemetry.Namespace, measurement string, tags map[string]string, fields map[string]telemetry.FieldValue) *telemetry.Point {
	p, err := telemetry.NewPoint(ns, measurement, tags, fields)
	if err != nil {
		panic(err)
	}
	return p
}

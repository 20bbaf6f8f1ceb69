package oracle

import "context"

// mockOracle counts calls and delegates to a func field.
type mockOracle struct {
	completeFunc func(ctx context.Context, req Request) (*Response, error)
	calls        int
}

func (m *mockOracle) Complete(ctx context.Context, req Request) (*Response, error) {
	m.calls++
	return m.completeFunc(ctx, req)
}

// mockSink delivers recorded traces on a channel so tests can wait for the
// asynchronous write.
type mockSink struct {
	traces chan *Trace
}

func newMockSink() *mockSink {
	return &mockSink{traces: make(chan *Trace, 4)}
}

func (m *mockSink) RecordTrace(trace *Trace) error {
	m.traces <- trace
	return nil
}

// Package test provides infrastructure and utilities for integration testing of the pipeline.
//
// The Suite wires a complete pipeline process the way the server does, but with
// controllable collaborators:
//
//   - Job store: isolated in-memory SQLite database
//   - Broker: the database broker on the same store
//   - Status API: the real fiber app served through httptest
//   - Client: the real API client
//   - ASR: FakeASR, scripted per test
//   - LLM: the real LLM client talking to FakeLLM, an httptest chat completion server
//
// Example Usage:
//
//	func TestExample(t *testing.T) {
//	    s := test.NewSuite(t)
//	    defer s.Cleanup()
//	    s.StartWorkers()
//
//	    job, err := s.APIClient.SubmitJob(s.Context(), types.SubmitJobRequest{AudioReference: s.AudioFile("a.wav")})
//	    ...
//	}
package test

// Package types defines the test run engine's entities (TestCase, TestRun,
// Result), the persistence contracts the engine consumes, configuration, and
// the error taxonomy shared by every layer.
//
// Entity methods on TestRun enforce the OPEN -> CLOSED state machine in
// memory. Stores apply the same methods before persisting, so a CLOSED run is
// rejected both client side and server side.
package types

package server

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestMain silences the package loggers before any test runs. Individual
// tests must not swap them afterwards, since goroutines left over from an
// earlier test may still be writing through them.
func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}

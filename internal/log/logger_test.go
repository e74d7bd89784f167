// SPDX-License-Identifier: MIT
package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithComponentAnnotatesField(t *testing.T) {
	var buf bytes.Buffer
	base = zerolog.New(&buf) // override global for this test
	defer Configure(Config{})

	l := WithComponent("queue")
	l.Info().Str(FieldJobID, "job-1").Msg("leased")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["component"] != "queue" {
		t.Errorf("component = %v, want queue", entry["component"])
	}
	if entry["job_id"] != "job-1" {
		t.Errorf("job_id = %v, want job-1", entry["job_id"])
	}
}

func TestDeriveAttachesBuilderFields(t *testing.T) {
	var buf bytes.Buffer
	base = zerolog.New(&buf)
	defer Configure(Config{})

	l := Derive(func(ctx *zerolog.Context) {
		*ctx = ctx.Str(FieldProvider, "spotify")
	})
	l.Info().Msg("dependency call")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["provider"] != "spotify" {
		t.Errorf("provider = %v, want spotify", entry["provider"])
	}
}

func TestConfigureIsIdempotent(t *testing.T) {
	// Configure runs through sync.Once; a second call must not replace
	// the established base logger.
	Configure(Config{Service: "first"})
	before := Base()
	Configure(Config{Service: "second"})
	after := Base()
	if before.GetLevel() != after.GetLevel() {
		t.Error("expected Configure to be a no-op on second call")
	}
}

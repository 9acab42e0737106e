package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/hooks"
	"github.com/Readm/memcoh/logging"
)

func TestAuditLogsInvalidations(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: zerolog.DebugLevel, JSON: true, Out: &buf})

	broker := hooks.NewPluginBroker()
	reg := hooks.NewRegistry(broker)
	if err := Register(reg, logger); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := reg.LoadForNode(2, []string{Name}); err != nil {
		t.Fatalf("LoadForNode returned error: %v", err)
	}

	block := core.MustBlock("0xABC")
	_ = broker.EmitInvalidate(&hooks.InvalidateContext{RequestID: "r1", Block: block, Requester: 2, Victim: 1, Version: 3})
	_ = broker.EmitEvict(&hooks.EvictContext{NodeID: 2, Block: block, Value: []byte("v")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["node"] != float64(2) || rec["victim"] != float64(1) || rec["block"] != "0xABC" {
		t.Fatalf("unexpected invalidation record %v", rec)
	}
	if got := broker.ListPlugins(hooks.PluginCategoryAudit); len(got) != 1 || got[0].Name != Name {
		t.Fatalf("expected audit plugin listed, got %v", got)
	}
}

func TestRegisterNilRegistry(t *testing.T) {
	if err := Register(nil, nil); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}
